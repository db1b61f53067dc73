package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davenr/labfleet-core/internal/infrastructure/database"
)

// Registry defines the persistence operations the engine needs.
// This abstraction allows for different implementations (SQLite, mock)
// and enables unit testing without database dependencies.
type Registry interface {
	// CreateDevice inserts a new device and fills in its assigned id.
	// Returns ErrDeviceExists if the UID is already registered.
	CreateDevice(ctx context.Context, device *Device) error

	// GetDevice retrieves a device by numeric id.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetDevice(ctx context.Context, id int64) (*Device, error)

	// GetDeviceByUID retrieves a device by hardware UID.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetDeviceByUID(ctx context.Context, uid string) (*Device, error)

	// ListDevices retrieves all devices ordered by id.
	ListDevices(ctx context.Context) ([]Device, error)

	// DeleteDevice removes a device. Its queued commands cascade.
	// Returns ErrDeviceNotFound if the device does not exist.
	DeleteDevice(ctx context.Context, id int64) error

	// UpdateDeviceStatus sets status and last-seen together.
	UpdateDeviceStatus(ctx context.Context, id int64, status DeviceStatus, lastSeen *time.Time) error

	// TouchLastSeen stamps last-seen without changing status.
	TouchLastSeen(ctx context.Context, id int64, at time.Time) error

	// MarkCodeUploaded sets the code-uploaded flag. When uploaded is
	// false the timestamp is cleared.
	MarkCodeUploaded(ctx context.Context, id int64, uploaded bool, at time.Time) error

	// HeartbeatDevice stamps last-seen and forces status online in one
	// transaction, returning the updated device.
	// Returns ErrDeviceNotFound if the UID is unknown.
	HeartbeatDevice(ctx context.Context, uid string, at time.Time) (*Device, error)

	// InsertCommand inserts a queue entry and fills in its assigned id.
	InsertCommand(ctx context.Context, entry *CommandQueueEntry) error

	// GetCommand retrieves a queue entry by id.
	// Returns ErrCommandNotFound if the entry does not exist.
	GetCommand(ctx context.Context, id int64) (*CommandQueueEntry, error)

	// PendingCommands retrieves a device's pending entries in FIFO
	// order (created-at ascending).
	PendingCommands(ctx context.Context, deviceID int64) ([]CommandQueueEntry, error)

	// MarkCommandSent transitions an entry to sent and stamps sent-at.
	MarkCommandSent(ctx context.Context, id int64, at time.Time) error

	// AckCommand unconditionally sets status ack and stamps ack-at,
	// returning the updated entry. Repeated calls re-stamp.
	// Returns ErrCommandNotFound if the entry does not exist.
	AckCommand(ctx context.Context, id int64, at time.Time) (*CommandQueueEntry, error)

	// RecentCommands retrieves the newest entries first, up to limit.
	RecentCommands(ctx context.Context, limit int) ([]CommandQueueEntry, error)

	// CreateUser inserts a new user and fills in its assigned id.
	CreateUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by id.
	// Returns ErrUserNotFound if the user does not exist.
	GetUser(ctx context.Context, id int64) (*User, error)

	// ListUsers retrieves all users ordered by id.
	ListUsers(ctx context.Context) ([]User, error)

	// SetUserPresence sets the online flag and stamps last-seen.
	// Returns ErrUserNotFound if the user does not exist.
	SetUserPresence(ctx context.Context, id int64, online bool, at time.Time) error
}

// SQLiteRegistry implements Registry using SQLite.
type SQLiteRegistry struct {
	db *database.DB
}

// NewSQLiteRegistry creates a new SQLite-backed registry.
func NewSQLiteRegistry(db *database.DB) *SQLiteRegistry {
	return &SQLiteRegistry{db: db}
}

const deviceColumns = `id, device_uid, name, hw_type, slot, status, last_seen,
	code_uploaded, code_uploaded_at, owner_id, created_at`

const commandColumns = `id, device_id, user_id, command, status, created_at, sent_at, ack_at`

// CreateDevice inserts a new device.
func (r *SQLiteRegistry) CreateDevice(ctx context.Context, device *Device) error {
	if device.Status == "" {
		device.Status = StatusOffline
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO devices (device_uid, name, hw_type, slot, status, last_seen,
			code_uploaded, code_uploaded_at, owner_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		device.UID,
		device.Name,
		device.HWType,
		nullableString(device.Slot),
		string(device.Status),
		nullableTime(device.LastSeen),
		boolToInt(device.CodeUploaded),
		nullableTime(device.CodeUploadedAt),
		nullableInt(device.OwnerID),
		device.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	device.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by numeric id.
func (r *SQLiteRegistry) GetDevice(ctx context.Context, id int64) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`
	device, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// GetDeviceByUID retrieves a device by hardware UID.
func (r *SQLiteRegistry) GetDeviceByUID(ctx context.Context, uid string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_uid = ?`
	device, err := scanDevice(r.db.QueryRowContext(ctx, query, uid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by uid: %w", err)
	}
	return device, nil
}

// ListDevices retrieves all devices ordered by id.
func (r *SQLiteRegistry) ListDevices(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// DeleteDevice removes a device; queued commands cascade via the
// foreign key.
func (r *SQLiteRegistry) DeleteDevice(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// UpdateDeviceStatus sets status and last-seen together.
func (r *SQLiteRegistry) UpdateDeviceStatus(ctx context.Context, id int64, status DeviceStatus, lastSeen *time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET status = ?, last_seen = ? WHERE id = ?",
		string(status), nullableTime(lastSeen), id,
	)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// TouchLastSeen stamps last-seen without changing status.
func (r *SQLiteRegistry) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET last_seen = ? WHERE id = ?",
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("touching last seen: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// MarkCodeUploaded sets the code-uploaded flag.
func (r *SQLiteRegistry) MarkCodeUploaded(ctx context.Context, id int64, uploaded bool, at time.Time) error {
	uploadedAt := sql.NullString{}
	if uploaded {
		uploadedAt = sql.NullString{String: at.UTC().Format(time.RFC3339), Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET code_uploaded = ?, code_uploaded_at = ? WHERE id = ?",
		boolToInt(uploaded), uploadedAt, id,
	)
	if err != nil {
		return fmt.Errorf("marking code uploaded: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// HeartbeatDevice stamps last-seen and forces status online in one
// transaction, returning the updated device.
func (r *SQLiteRegistry) HeartbeatDevice(ctx context.Context, uid string, at time.Time) (*Device, error) {
	var device *Device
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_uid = ?`
		d, err := scanDevice(tx.QueryRowContext(ctx, query, uid))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrDeviceNotFound
			}
			return fmt.Errorf("querying device by uid: %w", err)
		}

		stamped := at.UTC()
		if _, err := tx.ExecContext(ctx,
			"UPDATE devices SET status = ?, last_seen = ? WHERE id = ?",
			string(StatusOnline), stamped.Format(time.RFC3339), d.ID,
		); err != nil {
			return fmt.Errorf("updating device status: %w", err)
		}

		d.Status = StatusOnline
		d.LastSeen = &stamped
		device = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

// InsertCommand inserts a queue entry.
func (r *SQLiteRegistry) InsertCommand(ctx context.Context, entry *CommandQueueEntry) error {
	if entry.Status == "" {
		entry.Status = CommandPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO command_queue (device_id, user_id, command, status, created_at, sent_at, ack_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		entry.DeviceID,
		entry.UserID,
		entry.Command,
		string(entry.Status),
		entry.CreatedAt.Format(time.RFC3339),
		nullableTime(entry.SentAt),
		nullableTime(entry.AckAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	entry.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading command id: %w", err)
	}
	return nil
}

// GetCommand retrieves a queue entry by id.
func (r *SQLiteRegistry) GetCommand(ctx context.Context, id int64) (*CommandQueueEntry, error) {
	query := `SELECT ` + commandColumns + ` FROM command_queue WHERE id = ?`
	entry, err := scanCommand(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("querying command by id: %w", err)
	}
	return entry, nil
}

// PendingCommands retrieves a device's pending entries in FIFO order.
func (r *SQLiteRegistry) PendingCommands(ctx context.Context, deviceID int64) ([]CommandQueueEntry, error) {
	query := `SELECT ` + commandColumns + ` FROM command_queue
		WHERE device_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC`

	return r.queryCommands(ctx, query, deviceID, string(CommandPending))
}

// MarkCommandSent transitions an entry to sent and stamps sent-at.
func (r *SQLiteRegistry) MarkCommandSent(ctx context.Context, id int64, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE command_queue SET status = ?, sent_at = ? WHERE id = ?",
		string(CommandSent), at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("marking command sent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrCommandNotFound
	}
	return nil
}

// AckCommand unconditionally sets status ack and stamps ack-at,
// returning the updated entry. A repeated ack re-stamps to a later
// time; acknowledgement is not idempotent and the caller re-broadcasts
// each time.
func (r *SQLiteRegistry) AckCommand(ctx context.Context, id int64, at time.Time) (*CommandQueueEntry, error) {
	var entry *CommandQueueEntry
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"UPDATE command_queue SET status = ?, ack_at = ? WHERE id = ?",
			string(CommandAck), at.UTC().Format(time.RFC3339), id,
		)
		if err != nil {
			return fmt.Errorf("acking command: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking update result: %w", err)
		}
		if affected == 0 {
			return ErrCommandNotFound
		}

		query := `SELECT ` + commandColumns + ` FROM command_queue WHERE id = ?`
		entry, err = scanCommand(tx.QueryRowContext(ctx, query, id))
		if err != nil {
			return fmt.Errorf("reloading command: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RecentCommands retrieves the newest entries first, up to limit.
func (r *SQLiteRegistry) RecentCommands(ctx context.Context, limit int) ([]CommandQueueEntry, error) {
	query := `SELECT ` + commandColumns + ` FROM command_queue
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	return r.queryCommands(ctx, query, limit)
}

// CreateUser inserts a new user.
func (r *SQLiteRegistry) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO users (username, online, last_seen, created_at) VALUES (?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		user.Username,
		boolToInt(user.Online),
		nullableTime(user.LastSeen),
		user.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	user.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading user id: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (r *SQLiteRegistry) GetUser(ctx context.Context, id int64) (*User, error) {
	query := `SELECT id, username, online, last_seen, created_at FROM users WHERE id = ?`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("querying user by id: %w", err)
	}
	return user, nil
}

// ListUsers retrieves all users ordered by id.
func (r *SQLiteRegistry) ListUsers(ctx context.Context) ([]User, error) {
	query := `SELECT id, username, online, last_seen, created_at FROM users ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// SetUserPresence sets the online flag and stamps last-seen.
func (r *SQLiteRegistry) SetUserPresence(ctx context.Context, id int64, online bool, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE users SET online = ?, last_seen = ? WHERE id = ?",
		boolToInt(online), at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating user presence: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// queryCommands runs a query and scans all command rows.
func (r *SQLiteRegistry) queryCommands(ctx context.Context, query string, args ...any) ([]CommandQueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var entries []CommandQueueEntry
	for rows.Next() {
		entry, err := scanCommandRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return entries, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row *sql.Row) (*Device, error) {
	return scanDeviceRow(row)
}

func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var slot, lastSeen, codeUploadedAt sql.NullString
	var ownerID sql.NullInt64
	var codeUploaded int
	var status, createdAt string

	err := scanner.Scan(
		&d.ID,
		&d.UID,
		&d.Name,
		&d.HWType,
		&slot,
		&status,
		&lastSeen,
		&codeUploaded,
		&codeUploadedAt,
		&ownerID,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = DeviceStatus(status)
	d.CodeUploaded = codeUploaded != 0

	if slot.Valid {
		d.Slot = &slot.String
	}
	if ownerID.Valid {
		d.OwnerID = &ownerID.Int64
	}
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			d.LastSeen = &t
		}
	}
	if codeUploadedAt.Valid {
		if t, err := time.Parse(time.RFC3339, codeUploadedAt.String); err == nil {
			d.CodeUploadedAt = &t
		}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}

	return &d, nil
}

func scanCommand(row *sql.Row) (*CommandQueueEntry, error) {
	return scanCommandRow(row)
}

func scanCommandRow(scanner rowScanner) (*CommandQueueEntry, error) {
	var e CommandQueueEntry
	var sentAt, ackAt sql.NullString
	var status, createdAt string

	err := scanner.Scan(
		&e.ID,
		&e.DeviceID,
		&e.UserID,
		&e.Command,
		&status,
		&createdAt,
		&sentAt,
		&ackAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = CommandStatus(status)

	if sentAt.Valid {
		if t, err := time.Parse(time.RFC3339, sentAt.String); err == nil {
			e.SentAt = &t
		}
	}
	if ackAt.Valid {
		if t, err := time.Parse(time.RFC3339, ackAt.String); err == nil {
			e.AckAt = &t
		}
	}

	var parseErr error
	e.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}

	return &e, nil
}

func scanUser(row *sql.Row) (*User, error) {
	return scanUserRow(row)
}

func scanUserRow(scanner rowScanner) (*User, error) {
	var u User
	var lastSeen sql.NullString
	var online int
	var createdAt string

	err := scanner.Scan(&u.ID, &u.Username, &online, &lastSeen, &createdAt)
	if err != nil {
		return nil, err
	}

	u.Online = online != 0

	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			u.LastSeen = &t
		}
	}

	var parseErr error
	u.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}

	return &u, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullableInt returns a sql.NullInt64 for optional int64 pointers.
func nullableInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
