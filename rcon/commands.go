package rcon

import "fmt"

// Inventory type codes used by SetInventoryItem{Int,Float}Stat and related
// commands.
const (
	InvBackpack  = 0
	InvEquipped  = 1
	InvHotbar    = 2
	InvContainer = 4
	InvFollower  = 6
)

// SpawnItem renders the admin SpawnItem command.
func SpawnItem(templateID int64, quantity int) string {
	return fmt.Sprintf("SpawnItem %d %d", templateID, quantity)
}

// SetInventoryItemIntStat renders a player-targeted int-stat mutation.
func SetInventoryItemIntStat(index int, slot int, propID uint32, value uint32, invType int) string {
	return fmt.Sprintf("con %d SetInventoryItemIntStat %d %d %d %d", index, slot, propID, value, invType)
}

// SetInventoryItemFloatStat renders a player-targeted float-stat mutation.
func SetInventoryItemFloatStat(index int, slot int, propID uint32, value float32, invType int) string {
	return fmt.Sprintf("con %d SetInventoryItemFloatStat %d %d %g %d", index, slot, propID, value, invType)
}

// TeleportPlayer renders a player-targeted teleport.
func TeleportPlayer(index int, x, y, z float64) string {
	return fmt.Sprintf("con %d TeleportPlayer %g %g %g", index, x, y, z)
}

// ZeroStack renders the int-stat mutation used to delete an item's stack
// (deposit consumption, sell deletion).
func ZeroStack(index int, slot int, invType int) string {
	return SetInventoryItemIntStat(index, slot, 1, 0, invType)
}

// SetSellMark renders the int-stat mutation used by the marketplace sell
// mark-verify-delete protocol.
func SetSellMark(index int, slot int, mark uint32, invType int) string {
	return SetInventoryItemIntStat(index, slot, 99999, mark, invType)
}
