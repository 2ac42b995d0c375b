package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fenwick-ops/gamefleet/infrastructure/errors"
	"github.com/fenwick-ops/gamefleet/infrastructure/logging"
	"github.com/fenwick-ops/gamefleet/internal/batching"
)

// Store is the single writer for identities, entitlements, wallets,
// listings, and the withdrawal journal. All mutating operations run
// inside short transactions; there are no long-held write transactions.
type Store struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// Open creates (or opens) the registry database at path and applies any
// pending schema migrations.
func Open(path string, logger *logging.Logger) (*Store, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // single-writer sqlite; serialize at the handle

	if err := runMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	if logger == nil {
		logger = logging.NewFromEnv("registry")
	}

	return &Store{db: sqlx.NewDb(sqlDB, "sqlite3"), logger: logger}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the store is reachable, for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BindIdentity idempotently associates platformID with chatID.
func (s *Store) BindIdentity(ctx context.Context, platformID string, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (platform_id, chat_id) VALUES (?, ?)
		ON CONFLICT(platform_id) DO UPDATE SET chat_id = excluded.chat_id
	`, platformID, chatID)
	if err != nil {
		return errors.Internal("bind identity", err)
	}
	return nil
}

// ResolveIdentities batch-resolves platform ids to their bound chat id and
// entitlement level. Unknown platform ids are simply absent from the
// result map's Bound flag (level defaults to 0 per spec).
func (s *Store) ResolveIdentities(ctx context.Context, platformIDs []string) (map[string]Identity, error) {
	result := make(map[string]Identity, len(platformIDs))
	for _, pid := range platformIDs {
		result[pid] = Identity{PlatformID: pid}
	}

	for _, chunk := range batching.ChunkStrings(platformIDs) {
		query, args, err := sqlx.In(`
			SELECT i.platform_id, i.chat_id, COALESCE(e.level, 0), e.expiry
			FROM identities i
			LEFT JOIN entitlements e ON e.chat_id = i.chat_id
			WHERE i.platform_id IN (?)
		`, chunk)
		if err != nil {
			return nil, errors.Internal("build resolve_identity query", err)
		}
		query = s.db.Rebind(query)

		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return nil, errors.Internal("resolve_identity", err)
		}
		for rows.Next() {
			var (
				platformID string
				chatID     sql.NullInt64
				level      int
				expiryRaw  sql.NullString
			)
			if err := rows.Scan(&platformID, &chatID, &level, &expiryRaw); err != nil {
				rows.Close()
				return nil, errors.Internal("scan resolve_identity row", err)
			}
			ident := Identity{PlatformID: platformID, Level: level}
			if chatID.Valid {
				ident.ChatID = chatID.Int64
				ident.Bound = true
			}
			if expiryRaw.Valid {
				if t, err := time.Parse(time.RFC3339, expiryRaw.String); err == nil {
					ident.Expiry = &t
				}
			}
			result[platformID] = ident
		}
		rows.Close()
	}

	return result, nil
}

// SetEntitlement upserts chatID's entitlement level and expiry.
func (s *Store) SetEntitlement(ctx context.Context, chatID int64, level int, expiry *time.Time) error {
	var expiryStr sql.NullString
	if expiry != nil {
		expiryStr = sql.NullString{String: expiry.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (chat_id, level, expiry) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET level = excluded.level, expiry = excluded.expiry
	`, chatID, level, expiryStr)
	if err != nil {
		return errors.Internal("set entitlement", err)
	}
	return nil
}

// GetBalance returns chatID's wallet balance, 0 if no wallet row exists yet.
func (s *Store) GetBalance(ctx context.Context, chatID int64) (int64, error) {
	var balance int64
	err := s.db.GetContext(ctx, &balance, `SELECT balance FROM wallets WHERE chat_id = ?`, chatID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Internal("get balance", err)
	}
	return balance, nil
}

// AddBalance applies delta (which may be negative) to chatID's wallet in a
// single atomic statement. It fails with InsufficientFunds rather than
// driving the balance negative.
func (s *Store) AddBalance(ctx context.Context, chatID int64, delta int64) error {
	return s.addBalanceTx(ctx, s.db, chatID, delta)
}

// addBalanceTx applies delta using whatever executor is passed in (the
// top-level *sqlx.DB or an in-flight *sqlx.Tx), so it can be composed
// into larger transactions like ExecutePurchase.
func (s *Store) addBalanceTx(ctx context.Context, exec sqlx.ExtContext, chatID int64, delta int64) error {
	if _, err := sqlx.ExecContext(ctx, exec, `INSERT OR IGNORE INTO wallets (chat_id, balance) VALUES (?, 0)`, chatID); err != nil {
		return errors.Internal("ensure wallet row", err)
	}

	res, err := sqlx.ExecContext(ctx, exec, `
		UPDATE wallets SET balance = balance + ? WHERE chat_id = ? AND balance + ? >= 0
	`, delta, chatID, delta)
	if err != nil {
		return errors.Internal("add balance", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Internal("add balance rows affected", err)
	}
	if rows == 0 {
		balance, _ := s.GetBalance(ctx, chatID)
		return errors.InsufficientFunds(-delta, balance)
	}
	return nil
}

// CreateListing inserts a new active listing and returns its id.
func (s *Store) CreateListing(ctx context.Context, sellerChatID, templateID int64, dna ItemDNA, price int64) (int64, error) {
	dnaJSON, err := json.Marshal(dna)
	if err != nil {
		return 0, errors.Internal("marshal item dna", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO market_listings (seller_chat_id, item_template_id, item_dna, price, status, created_at)
		VALUES (?, ?, ?, ?, 'active', ?)
	`, sellerChatID, templateID, string(dnaJSON), price, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, errors.Internal("create listing", err)
	}
	return res.LastInsertId()
}

// GetListing reads a listing by id for pre-purchase checks. Returns nil if
// no such listing exists.
func (s *Store) GetListing(ctx context.Context, listingID int64) (*Listing, error) {
	var listing Listing
	var dnaJSON, createdAt string
	err := s.db.QueryRowxContext(ctx, `
		SELECT id, seller_chat_id, item_template_id, item_dna, price, status, created_at
		FROM market_listings WHERE id = ?
	`, listingID).Scan(&listing.ID, &listing.SellerChatID, &listing.ItemTemplateID, &dnaJSON, &listing.Price, &listing.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal("get listing", err)
	}
	if err := json.Unmarshal([]byte(dnaJSON), &listing.DNA); err != nil {
		return nil, errors.Internal("unmarshal item dna", err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		listing.CreatedAt = t
	}
	return &listing, nil
}

// ExecutePurchase atomically debits the buyer, credits the seller, and
// marks the listing sold. Exactly one of any concurrent purchases on the
// same listing succeeds; the rest observe ListingNotActive.
func (s *Store) ExecutePurchase(ctx context.Context, buyerChatID, listingID int64) (*Listing, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Internal("begin purchase tx", err)
	}
	defer tx.Rollback()

	var listing Listing
	var dnaJSON string
	var createdAt string
	err = tx.QueryRowxContext(ctx, `
		SELECT id, seller_chat_id, item_template_id, item_dna, price, status, created_at
		FROM market_listings WHERE id = ?
	`, listingID).Scan(&listing.ID, &listing.SellerChatID, &listing.ItemTemplateID, &dnaJSON, &listing.Price, &listing.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.ListingNotActive(fmt.Sprintf("%d", listingID))
	}
	if err != nil {
		return nil, errors.Internal("read listing", err)
	}
	if listing.Status != ListingActive {
		return nil, errors.ListingNotActive(fmt.Sprintf("%d", listingID))
	}
	if listing.SellerChatID == buyerChatID {
		return nil, errors.New(errors.ErrCodeListingNotActive, "cannot buy your own listing")
	}
	if err := json.Unmarshal([]byte(dnaJSON), &listing.DNA); err != nil {
		return nil, errors.Internal("unmarshal item dna", err)
	}

	// Arbitrate the race: only the transaction that flips active->sold wins.
	res, err := tx.ExecContext(ctx, `
		UPDATE market_listings SET status = 'sold' WHERE id = ? AND status = 'active'
	`, listingID)
	if err != nil {
		return nil, errors.Internal("mark listing sold", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Internal("mark listing sold rows affected", err)
	}
	if rows == 0 {
		return nil, errors.ListingNotActive(fmt.Sprintf("%d", listingID))
	}

	if err := s.addBalanceTx(ctx, tx, buyerChatID, -listing.Price); err != nil {
		return nil, err
	}
	if err := s.addBalanceTx(ctx, tx, listing.SellerChatID, listing.Price); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Internal("commit purchase tx", err)
	}

	listing.Status = ListingSold
	return &listing, nil
}

// CompensatePurchase reverses a successful ExecutePurchase whose downstream
// RCON spawn step failed: refunds the buyer, undoes the seller's credit,
// and reactivates the listing. Safe only because the item was never
// created in-game.
func (s *Store) CompensatePurchase(ctx context.Context, listing *Listing, buyerChatID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Internal("begin compensation tx", err)
	}
	defer tx.Rollback()

	if err := s.addBalanceTx(ctx, tx, buyerChatID, listing.Price); err != nil {
		return err
	}
	if err := s.addBalanceTx(ctx, tx, listing.SellerChatID, -listing.Price); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE market_listings SET status = 'active' WHERE id = ?`, listing.ID); err != nil {
		return errors.Internal("reactivate listing", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Internal("commit compensation tx", err)
	}
	return nil
}

// OpenWithdrawal atomically debits chatID and inserts a PENDING journal
// row. Returns InsufficientFunds if the debit would go negative.
func (s *Store) OpenWithdrawal(ctx context.Context, chatID, amount int64, characterName, serverName string) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Internal("begin withdrawal tx", err)
	}
	defer tx.Rollback()

	if err := s.addBalanceTx(ctx, tx, chatID, -amount); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO withdraw_transactions (chat_id, amount, character_name, server_name, status, created_at)
		VALUES (?, ?, ?, ?, 'PENDING', ?)
	`, chatID, amount, characterName, serverName, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, errors.Internal("insert withdrawal", err)
	}

	txID, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Internal("withdrawal last insert id", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Internal("commit withdrawal tx", err)
	}
	return txID, nil
}

// CloseWithdrawal transitions a PENDING withdrawal to a terminal status.
func (s *Store) CloseWithdrawal(ctx context.Context, txID int64, status WithdrawalStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE withdraw_transactions SET status = ? WHERE id = ?`, status, txID)
	if err != nil {
		return errors.Internal("close withdrawal", err)
	}
	return nil
}

// AppendAudit records a marketplace audit row.
func (s *Store) AppendAudit(ctx context.Context, chatID int64, action, details string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_audit (chat_id, action, details, created_at) VALUES (?, ?, ?, ?)
	`, chatID, action, details, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Internal("append audit", err)
	}
	return nil
}

// SaveHome upserts a player's warp-home coordinates.
func (s *Store) SaveHome(ctx context.Context, home Home) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO player_homes (platform_id, server_name, x, y, z) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform_id, server_name) DO UPDATE SET x = excluded.x, y = excluded.y, z = excluded.z
	`, home.PlatformID, home.ServerName, home.X, home.Y, home.Z)
	if err != nil {
		return errors.Internal("save home", err)
	}
	return nil
}

// MigrateLegacyColumns folds identity and entitlement data forward from a
// set of per-server playtime databases that predate the shared registry.
// Each path's player_time table is inspected for the legacy
// platform_id/discord_id/vip_level/vip_expiry_date columns (a server
// missing them entirely is skipped); identities are upserted
// idempotently, and entitlement levels are folded in with "highest level
// wins" on conflict. Intended to run once at boot, before any other
// registry access; it is safe to call on every boot since it is purely
// additive and idempotent.
func (s *Store) MigrateLegacyColumns(ctx context.Context, playtimeDBPaths []string) error {
	for _, path := range playtimeDBPaths {
		if err := s.migrateOneLegacyDB(ctx, path); err != nil {
			s.logger.Warn(ctx, "legacy column migration failed for one server, continuing", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
	}
	return nil
}

func (s *Store) migrateOneLegacyDB(ctx context.Context, path string) error {
	localDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("open legacy db: %w", err)
	}
	defer localDB.Close()

	columns, err := legacyTableColumns(ctx, localDB)
	if err != nil {
		return err
	}
	if !columns["discord_id"] {
		return nil
	}

	if err := s.migrateLegacyIdentities(ctx, localDB); err != nil {
		return err
	}
	if columns["vip_level"] {
		if err := s.migrateLegacyEntitlements(ctx, localDB, columns["vip_expiry_date"]); err != nil {
			return err
		}
	}
	return nil
}

func legacyTableColumns(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA table_info(player_time)`)
	if err != nil {
		return nil, fmt.Errorf("read player_time schema: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info row: %w", err)
		}
		columns[name] = true
	}
	return columns, nil
}

func (s *Store) migrateLegacyIdentities(ctx context.Context, localDB *sql.DB) error {
	rows, err := localDB.QueryContext(ctx, `
		SELECT platform_id, discord_id FROM player_time
		WHERE discord_id IS NOT NULL AND discord_id != ''
	`)
	if err != nil {
		return fmt.Errorf("read legacy identities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var platformID, discordIDRaw string
		if err := rows.Scan(&platformID, &discordIDRaw); err != nil {
			return fmt.Errorf("scan legacy identity row: %w", err)
		}
		chatID, err := strconv.ParseInt(discordIDRaw, 10, 64)
		if err != nil || platformID == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO identities (platform_id, chat_id) VALUES (?, ?)
		`, platformID, chatID); err != nil {
			return fmt.Errorf("insert legacy identity: %w", err)
		}
	}
	return nil
}

func (s *Store) migrateLegacyEntitlements(ctx context.Context, localDB *sql.DB, hasExpiry bool) error {
	query := `SELECT discord_id, vip_level`
	if hasExpiry {
		query += `, vip_expiry_date`
	} else {
		query += `, NULL`
	}
	query += ` FROM player_time WHERE discord_id IS NOT NULL AND discord_id != '' AND vip_level > 0`

	rows, err := localDB.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("read legacy entitlements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var discordIDRaw string
		var vipLevel int
		var vipExpiry sql.NullString
		if err := rows.Scan(&discordIDRaw, &vipLevel, &vipExpiry); err != nil {
			return fmt.Errorf("scan legacy entitlement row: %w", err)
		}
		chatID, err := strconv.ParseInt(discordIDRaw, 10, 64)
		if err != nil {
			continue
		}

		var existingLevel int
		err = s.db.GetContext(ctx, &existingLevel, `SELECT level FROM entitlements WHERE chat_id = ?`, chatID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read existing entitlement: %w", err)
		}
		if err == nil && existingLevel >= vipLevel {
			continue
		}

		var expiry *time.Time
		if vipExpiry.Valid && vipExpiry.String != "" {
			if t, err := time.Parse(time.RFC3339, vipExpiry.String); err == nil {
				expiry = &t
			}
		}
		if err := s.SetEntitlement(ctx, chatID, vipLevel, expiry); err != nil {
			return fmt.Errorf("upsert legacy entitlement: %w", err)
		}
	}
	return nil
}

// GetHome returns a player's saved warp-home, if any.
func (s *Store) GetHome(ctx context.Context, platformID, serverName string) (*Home, error) {
	var home Home
	err := s.db.GetContext(ctx, &home, `
		SELECT platform_id, server_name, x, y, z FROM player_homes WHERE platform_id = ? AND server_name = ?
	`, platformID, serverName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal("get home", err)
	}
	return &home, nil
}
