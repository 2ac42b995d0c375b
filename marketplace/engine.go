// Package marketplace implements the two-phase virtual-currency economy:
// deposit, withdraw, sell (mark-verify-delete), and buy (atomic purchase
// plus RCON item spawn/DNA injection with compensation on failure). It is
// the only component that spans all three authorities — the registry
// (money), the game DB (item state), and RCON (item mutation) — and so
// carries the system's sharpest safety invariants: no money is ever
// created, and no item is ever created without its listing having been
// marked sold first.
package marketplace

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fenwick-ops/gamefleet/gamedb"
	"github.com/fenwick-ops/gamefleet/infrastructure/errors"
	"github.com/fenwick-ops/gamefleet/infrastructure/logging"
	"github.com/fenwick-ops/gamefleet/infrastructure/metrics"
	"github.com/fenwick-ops/gamefleet/rcon"
	"github.com/fenwick-ops/gamefleet/registry"
)

const (
	minPrice = 1
	maxPrice = 65535
)

// Config carries the process-wide marketplace settings (spec.md §6):
// which item template id backs the virtual currency, and how long to wait
// for the game to persist state changes between an RCON mutation and the
// next read.
type Config struct {
	CurrencyTemplateID int64
	SyncWait           time.Duration
	PollInterval       time.Duration
	PollAttempts       int
}

// DefaultConfig returns the sync-wait/poll settings used when a server
// config omits them.
func DefaultConfig() Config {
	return Config{
		SyncWait:     3 * time.Second,
		PollInterval: 2 * time.Second,
		PollAttempts: 5,
	}
}

// dispatcher is the subset of *rcon.Pool the engine needs. Accepting the
// interface rather than the concrete type lets tests exercise the engine's
// transaction logic against a fake RCON layer.
type dispatcher interface {
	Safe(ctx context.Context, server, charName string, template func(index int) string) error
	SafeBatch(ctx context.Context, server, charName string, templates []func(index int) string) error
}

// reader is the subset of *gamedb.Reader the engine needs.
type reader interface {
	CharacterByName(ctx context.Context, name string) (*gamedb.Character, error)
	InventoryAt(ctx context.Context, ownerID int64, slot, invType int) (*gamedb.InventoryItem, error)
	InventoryByTemplate(ctx context.Context, ownerID, templateID int64, invTypes []int) ([]gamedb.InventoryItem, error)
}

// Engine composes the registry, the per-server read-only game DBs, and the
// RCON pool into the marketplace operations. One Engine serves every
// configured server.
type Engine struct {
	cfg     Config
	store   *registry.Store
	pool    dispatcher
	readers map[string]reader
	logger  *logging.Logger

	chatLocksMu sync.Mutex
	chatLocks   map[int64]*sync.Mutex
}

// NewEngine wires an Engine over an already-open registry store, RCON
// pool, and per-server game-DB readers.
func NewEngine(cfg Config, store *registry.Store, pool *rcon.Pool, readers map[string]*gamedb.Reader, logger *logging.Logger) *Engine {
	typedReaders := make(map[string]reader, len(readers))
	for name, r := range readers {
		typedReaders[name] = r
	}
	return newEngine(cfg, store, pool, typedReaders, logger)
}

func newEngine(cfg Config, store *registry.Store, pool dispatcher, readers map[string]reader, logger *logging.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		pool:      pool,
		readers:   readers,
		logger:    logger,
		chatLocks: make(map[int64]*sync.Mutex),
	}
}

func (e *Engine) lockFor(chatID int64) *sync.Mutex {
	e.chatLocksMu.Lock()
	defer e.chatLocksMu.Unlock()
	l, ok := e.chatLocks[chatID]
	if !ok {
		l = &sync.Mutex{}
		e.chatLocks[chatID] = l
	}
	return l
}

// speakerIdentity resolves a character name to its bound chat_id via the
// game DB (name -> platform id) and the registry (platform id -> chat id).
// ok is false when the speaker is not registered; callers bail silently in
// that case per spec.
func (e *Engine) speakerIdentity(ctx context.Context, server, charName string) (chatID int64, character *gamedb.Character, ok bool, err error) {
	reader, found := e.readers[server]
	if !found {
		return 0, nil, false, errors.Internal("unknown game db for server "+server, nil)
	}
	character, err = reader.CharacterByName(ctx, charName)
	if err != nil {
		return 0, nil, false, err
	}
	if character == nil {
		return 0, nil, false, nil
	}

	identities, err := e.store.ResolveIdentities(ctx, []string{character.PlatformID})
	if err != nil {
		return 0, nil, false, err
	}
	identity := identities[character.PlatformID]
	if !identity.Bound {
		return 0, character, false, nil
	}
	return identity.ChatID, character, true, nil
}

// ResolveChatID resolves a speaking character's bound chat_id, for callers
// that need it up front (Withdraw, Sell, Buy all take chat_id as an
// argument rather than resolving it internally the way Deposit does).
func (e *Engine) ResolveChatID(ctx context.Context, server, charName string) (int64, bool) {
	chatID, _, ok, err := e.speakerIdentity(ctx, server, charName)
	if err != nil || !ok {
		return 0, false
	}
	return chatID, true
}

func recordTx(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Global().RecordMarketplaceTx(operation, status, time.Since(start))
}

// Deposit implements !deposit <slot>: converts a stack of the configured
// currency item into wallet balance. Any RCON failure aborts before the
// balance change, so a failed deposit can never create money.
func (e *Engine) Deposit(ctx context.Context, server, charName string, slot int) error {
	start := time.Now()
	var opErr error
	defer func() { recordTx("deposit", start, opErr) }()

	chatID, character, ok, err := e.speakerIdentity(ctx, server, charName)
	if err != nil {
		opErr = err
		return err
	}
	if !ok {
		return nil // unregistered speaker: bail silently
	}

	time.Sleep(e.cfg.SyncWait)

	reader := e.readers[server]
	item, err := reader.InventoryAt(ctx, character.ID, slot, rcon.InvBackpack)
	if err != nil {
		opErr = err
		return err
	}
	if item == nil {
		opErr = errors.New(errors.ErrCodeInternal, "deposit slot is empty")
		return opErr
	}
	if item.TemplateID != e.cfg.CurrencyTemplateID {
		opErr = errors.New(errors.ErrCodeInternal, "deposit slot does not hold the currency item")
		return opErr
	}

	decoded, err := gamedb.DecodeItemBlob(item.Data)
	if err != nil {
		opErr = err
		return err
	}
	quantity := decoded.IntStats[gamedb.PropStackQuantity]
	if quantity == 0 {
		return nil
	}

	if err := e.pool.Safe(ctx, server, charName, func(idx int) string {
		return rcon.ZeroStack(idx, slot, rcon.InvBackpack)
	}); err != nil {
		opErr = err
		return err
	}

	if err := e.store.AddBalance(ctx, chatID, int64(quantity)); err != nil {
		opErr = err
		return err
	}
	if err := e.store.AppendAudit(ctx, chatID, "DEPOSIT", fmt.Sprintf("%d of item %d", quantity, item.TemplateID)); err != nil {
		e.logger.Error(ctx, "failed to append deposit audit row", err, nil)
	}
	return nil
}

// Withdraw implements !withdraw <amount>: strict two-phase debit-then-spawn
// with no automatic refund on failure, since the spawn may have already
// succeeded server-side.
func (e *Engine) Withdraw(ctx context.Context, server, charName string, chatID, amount int64) error {
	start := time.Now()
	var opErr error
	defer func() { recordTx("withdraw", start, opErr) }()

	if amount < minPrice || amount > maxPrice {
		opErr = errors.New(errors.ErrCodeInternal, "withdraw amount out of range")
		return opErr
	}

	txID, err := e.store.OpenWithdrawal(ctx, chatID, amount, charName, server)
	if err != nil {
		opErr = err
		return err
	}

	err = e.pool.Safe(ctx, server, charName, func(idx int) string {
		return fmt.Sprintf("con %d %s", idx, rcon.SpawnItem(e.cfg.CurrencyTemplateID, int(amount)))
	})
	if err != nil {
		if closeErr := e.store.CloseWithdrawal(ctx, txID, registry.WithdrawalErrorReview); closeErr != nil {
			e.logger.Error(ctx, "failed to close withdrawal as ERROR_REVIEW", closeErr, nil)
		}
		opErr = errors.Pending(fmt.Sprintf("%d", txID), err)
		return opErr
	}

	if err := e.store.CloseWithdrawal(ctx, txID, registry.WithdrawalCompleted); err != nil {
		opErr = err
		return err
	}
	return nil
}

// Sell implements !sell <slot> <price> using the mark-verify-delete
// protocol: the item's identity is confirmed with a per-attempt nonce
// written and re-read before it is deleted, closing the item-swap window
// a naive read-then-delete would leave open.
func (e *Engine) Sell(ctx context.Context, server, charName string, chatID int64, slot int, price int64) error {
	start := time.Now()
	var opErr error
	defer func() { recordTx("sell", start, opErr) }()

	if price < minPrice || price > maxPrice {
		opErr = errors.New(errors.ErrCodeInternal, "sell price out of range")
		return opErr
	}

	lock := e.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	_, character, ok, err := e.speakerIdentity(ctx, server, charName)
	if err != nil {
		opErr = err
		return err
	}
	if !ok {
		return nil
	}

	reader := e.readers[server]

	time.Sleep(e.cfg.SyncWait)
	pre, err := reader.InventoryAt(ctx, character.ID, slot, rcon.InvBackpack)
	if err != nil {
		opErr = err
		return err
	}
	if pre == nil {
		opErr = errors.New(errors.ErrCodeInternal, "sell slot is empty")
		return opErr
	}

	mark := rand.Uint32()
	if err := e.pool.Safe(ctx, server, charName, func(idx int) string {
		return rcon.SetSellMark(idx, slot, mark, rcon.InvBackpack)
	}); err != nil {
		opErr = err
		return err
	}

	time.Sleep(500 * time.Millisecond)
	post, err := reader.InventoryAt(ctx, character.ID, slot, rcon.InvBackpack)
	if err != nil {
		opErr = err
		return err
	}
	if post == nil || post.TemplateID != pre.TemplateID {
		opErr = errors.New(errors.ErrCodeInternal, "sell verification failed: slot contents changed")
		return opErr
	}

	decodedPost, err := gamedb.DecodeItemBlob(post.Data)
	if err != nil {
		opErr = err
		return err
	}
	if decodedPost.IntStats[gamedb.PropSellMark] != mark {
		opErr = errors.New(errors.ErrCodeInternal, "sell verification failed: mark mismatch")
		return opErr
	}

	dna := decodedPost.DNA()

	if err := e.pool.Safe(ctx, server, charName, func(idx int) string {
		return rcon.ZeroStack(idx, slot, rcon.InvBackpack)
	}); err != nil {
		opErr = err
		return err
	}

	if _, err := e.store.CreateListing(ctx, chatID, int64(post.TemplateID), dna, price); err != nil {
		opErr = err
		return err
	}
	return nil
}

// Buy implements !buy <listing_id>: atomic debit/credit/mark-sold in the
// registry, then an RCON spawn and DNA re-injection. A spawn failure is
// compensated by reversing the registry mutations, since the item was
// never created.
func (e *Engine) Buy(ctx context.Context, server, charName string, chatID, listingID int64) error {
	start := time.Now()
	var opErr error
	defer func() { recordTx("buy", start, opErr) }()

	_, character, ok, err := e.speakerIdentity(ctx, server, charName)
	if err != nil {
		opErr = err
		return err
	}
	if !ok {
		return nil
	}

	listing, err := e.store.GetListing(ctx, listingID)
	if err != nil {
		opErr = err
		return err
	}
	if listing == nil || listing.Status != registry.ListingActive {
		opErr = errors.ListingNotActive(fmt.Sprintf("%d", listingID))
		return opErr
	}
	if listing.SellerChatID == chatID {
		opErr = errors.New(errors.ErrCodeListingNotActive, "cannot buy your own listing")
		return opErr
	}

	reader := e.readers[server]
	existing, err := reader.InventoryByTemplate(ctx, character.ID, listing.ItemTemplateID, []int{rcon.InvBackpack, rcon.InvHotbar})
	if err != nil {
		opErr = err
		return err
	}
	if len(existing) > 0 {
		opErr = errors.StackCollision(charName, fmt.Sprintf("%d", listing.ItemTemplateID))
		return opErr
	}

	purchased, err := e.store.ExecutePurchase(ctx, chatID, listingID)
	if err != nil {
		opErr = err
		return err
	}

	before, err := reader.InventoryByTemplate(ctx, character.ID, listing.ItemTemplateID, []int{rcon.InvBackpack, rcon.InvHotbar})
	if err != nil {
		opErr = err
		return err
	}
	beforeKeys := make(map[int64]bool, len(before))
	for _, item := range before {
		beforeKeys[item.ItemID] = true
	}

	spawnCmd := rcon.SpawnItem(listing.ItemTemplateID, 1)
	if err := e.pool.Safe(ctx, server, charName, func(idx int) string {
		return fmt.Sprintf("con %d %s", idx, spawnCmd)
	}); err != nil {
		if compErr := e.store.CompensatePurchase(ctx, purchased, chatID); compErr != nil {
			e.logger.Error(ctx, "failed to compensate buy after spawn failure", compErr, nil)
		}
		opErr = err
		return err
	}

	var newItem *gamedb.InventoryItem
	for attempt := 0; attempt < e.cfg.PollAttempts; attempt++ {
		time.Sleep(e.cfg.PollInterval)
		rows, err := reader.InventoryByTemplate(ctx, character.ID, listing.ItemTemplateID, []int{rcon.InvBackpack, rcon.InvHotbar})
		if err != nil {
			continue
		}
		for i := range rows {
			if !beforeKeys[rows[i].ItemID] {
				newItem = &rows[i]
				break
			}
		}
		if newItem == nil && len(rows) > 0 {
			// Last-attempt any-row fallback: accept an existing row so the
			// buyer is not stuck, but skip DNA injection since we cannot be
			// sure it is the newly spawned instance.
			if attempt == e.cfg.PollAttempts-1 {
				e.logger.Warn(ctx, "buy: falling back to an existing row; DNA injection skipped", map[string]interface{}{
					"listing_id": listingID,
					"buyer":      charName,
				})
				return nil
			}
			continue
		}
		if newItem != nil {
			break
		}
	}

	if newItem == nil {
		e.logger.Warn(ctx, "buy: spawned item not found in inventory; manual resolution required", map[string]interface{}{
			"listing_id": listingID,
			"buyer":      charName,
		})
		return nil
	}

	templates := make([]func(idx int) string, 0, len(purchased.DNA.IntStats)+len(purchased.DNA.FloatStats))
	for propID, value := range purchased.DNA.IntStats {
		propID, value := propID, value
		templates = append(templates, func(idx int) string {
			return rcon.SetInventoryItemIntStat(idx, int(newItem.ItemID), propID, value, newItem.InvType)
		})
	}
	for propID, value := range purchased.DNA.FloatStats {
		propID, value := propID, value
		templates = append(templates, func(idx int) string {
			return rcon.SetInventoryItemFloatStat(idx, int(newItem.ItemID), propID, value, newItem.InvType)
		})
	}

	if len(templates) > 0 {
		if err := e.pool.SafeBatch(ctx, server, charName, templates); err != nil {
			e.logger.Error(ctx, "buy: DNA injection batch failed", err, map[string]interface{}{"listing_id": listingID})
		}
	}

	return nil
}
