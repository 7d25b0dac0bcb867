package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("metadata: record not found")

// FileRecord is one stored upload. UserID and AlbumID are nil for anonymous
// and album-less uploads respectively.
type FileRecord struct {
	ID        int64
	Name      string
	Original  string
	Type      string
	Size      int64
	Hash      string
	IP        string
	UserID    *int64
	AlbumID   *int64
	Timestamp int64
}

// Album is referenced by file records; the pipeline only ever touches editedAt.
type Album struct {
	ID       int64
	UserID   int64
	Name     string
	EditedAt int64
}

// User is the authenticated identity resolved from an upload token.
// The "root" username doubles as the administrative override.
type User struct {
	ID       int64
	Username string
	Token    string
	Enabled  bool
}

// IsAdmin reports whether the user holds the administrative override.
func (u *User) IsAdmin() bool {
	return u != nil && u.Username == "root"
}

// FileListing is one row of the paginated listing, with display fields joined in.
type FileListing struct {
	FileRecord
	Album    string
	Username string
}

// ListParams narrows a listing query.
type ListParams struct {
	// User scopes results to the user's own files unless they are admin.
	User *User
	// AlbumID filters to one album when non-nil.
	AlbumID *int64
	// Page selects a 25-record page, starting at 0.
	Page int
}

// PageSize is the fixed number of records per listing page.
const PageSize = 25

// Repository wraps all metadata queries.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// InsertFiles persists a batch of new records in one transaction and fills in
// the assigned ids. A nil or empty batch is a no-op.
func (r *Repository) InsertFiles(ctx context.Context, records []*FileRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range records {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO files (name, original, type, size, hash, ip, userid, albumid, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Name, rec.Original, rec.Type, rec.Size, rec.Hash, rec.IP, rec.UserID, rec.AlbumID, rec.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert %s: %w", rec.Name, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		rec.ID = id
	}

	return tx.Commit()
}

// FindDuplicate looks up a live record with the same owner scope, content hash
// and size. Anonymous uploads (nil userID) only ever match other anonymous
// uploads. Returns ErrNotFound when no duplicate exists.
func (r *Repository) FindDuplicate(ctx context.Context, userID *int64, hash string, size int64) (*FileRecord, error) {
	query := `SELECT id, name, original, type, size, hash, ip, userid, albumid, timestamp
	          FROM files WHERE hash = ? AND size = ? AND `
	args := []interface{}{hash, size}
	if userID == nil {
		query += "userid IS NULL"
	} else {
		query += "userid = ?"
		args = append(args, *userID)
	}
	query += " LIMIT 1"

	return r.scanFile(r.db.QueryRowContext(ctx, query, args...))
}

// GetFile fetches one record by id.
func (r *Repository) GetFile(ctx context.Context, id int64) (*FileRecord, error) {
	return r.scanFile(r.db.QueryRowContext(ctx,
		`SELECT id, name, original, type, size, hash, ip, userid, albumid, timestamp
		 FROM files WHERE id = ?`, id))
}

// DeleteFile removes one record by id.
func (r *Repository) DeleteFile(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlbum fetches an album only when it belongs to the given user.
func (r *Repository) GetAlbum(ctx context.Context, id, userID int64) (*Album, error) {
	album := &Album{}
	err := r.db.QueryRowContext(ctx,
		"SELECT id, userid, name, editedAt FROM albums WHERE id = ? AND userid = ?", id, userID,
	).Scan(&album.ID, &album.UserID, &album.Name, &album.EditedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return album, nil
}

// TouchAlbum updates an album's editedAt timestamp.
func (r *Repository) TouchAlbum(ctx context.Context, id, editedAt int64) error {
	_, err := r.db.ExecContext(ctx, "UPDATE albums SET editedAt = ? WHERE id = ?", editedAt, id)
	return err
}

// GetUserByToken resolves an upload token to a user.
func (r *Repository) GetUserByToken(ctx context.Context, token string) (*User, error) {
	user := &User{}
	var enabled int
	err := r.db.QueryRowContext(ctx,
		"SELECT id, username, token, enabled FROM users WHERE token = ?", token,
	).Scan(&user.ID, &user.Username, &user.Token, &enabled)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.Enabled = enabled != 0
	return user, nil
}

// ListFiles returns one page of records, newest first, with album and uploader
// display names joined in. Non-admin users only see their own files.
func (r *Repository) ListFiles(ctx context.Context, params ListParams) ([]FileListing, error) {
	query := `SELECT f.id, f.name, f.original, f.type, f.size, f.hash, f.ip, f.userid, f.albumid, f.timestamp,
	                 COALESCE(a.name, ''), COALESCE(u.username, '')
	          FROM files f
	          LEFT JOIN albums a ON a.id = f.albumid
	          LEFT JOIN users u ON u.id = f.userid
	          WHERE 1=1`
	args := []interface{}{}

	if params.AlbumID != nil {
		query += " AND f.albumid = ?"
		args = append(args, *params.AlbumID)
	}
	if !params.User.IsAdmin() {
		query += " AND f.userid = ?"
		args = append(args, params.User.ID)
	}

	query += " ORDER BY f.id DESC LIMIT ? OFFSET ?"
	args = append(args, PageSize, PageSize*params.Page)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []FileListing
	for rows.Next() {
		var l FileListing
		var ip sql.NullString
		if err := rows.Scan(&l.ID, &l.Name, &l.Original, &l.Type, &l.Size, &l.Hash, &ip,
			&l.UserID, &l.AlbumID, &l.Timestamp, &l.Album, &l.Username); err != nil {
			return nil, err
		}
		l.IP = ip.String
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// CreateUser inserts a user; used by provisioning and tests.
func (r *Repository) CreateUser(ctx context.Context, username, token string, enabled bool) (*User, error) {
	e := 0
	if enabled {
		e = 1
	}
	result, err := r.db.ExecContext(ctx,
		"INSERT INTO users (username, token, enabled) VALUES (?, ?, ?)", username, token, e)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username, Token: token, Enabled: enabled}, nil
}

// CreateAlbum inserts an album; used by provisioning and tests.
func (r *Repository) CreateAlbum(ctx context.Context, userID int64, name string) (*Album, error) {
	result, err := r.db.ExecContext(ctx,
		"INSERT INTO albums (userid, name, editedAt) VALUES (?, ?, 0)", userID, name)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Album{ID: id, UserID: userID, Name: name}, nil
}

func (r *Repository) scanFile(row *sql.Row) (*FileRecord, error) {
	rec := &FileRecord{}
	var ip sql.NullString
	err := row.Scan(&rec.ID, &rec.Name, &rec.Original, &rec.Type, &rec.Size, &rec.Hash,
		&ip, &rec.UserID, &rec.AlbumID, &rec.Timestamp)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.IP = ip.String
	return rec, nil
}
