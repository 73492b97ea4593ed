package models

import (
	"database/sql"
	"time"
)

// Torrent is one catalog row. The catalog only remembers which torrents
// exist and how the user last left them; piece-level progress lives in
// each torrent's resume sidecar on disk.
type Torrent struct {
	InfoHash    string     `json:"info_hash" db:"info_hash"`
	Name        string     `json:"name" db:"name"`
	Magnet      string     `json:"magnet,omitempty" db:"magnet"`
	State       string     `json:"state" db:"state"`
	AddedAt     time.Time  `json:"added_at" db:"added_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type TorrentRepository struct {
	db *sql.DB
}

func NewTorrentRepository(db *sql.DB) *TorrentRepository {
	return &TorrentRepository{db: db}
}

func (r *TorrentRepository) Create(t *Torrent) error {
	query := `
        INSERT INTO torrents (info_hash, name, magnet, state, added_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(info_hash) DO NOTHING
    `
	_, err := r.db.Exec(query, t.InfoHash, t.Name, t.Magnet, t.State, t.AddedAt)
	return err
}

func (r *TorrentRepository) UpdateState(infoHash, name, state string, completedAt *time.Time) error {
	query := `
        UPDATE torrents
        SET name = ?, state = ?,
            completed_at = COALESCE(?, completed_at)
        WHERE info_hash = ?
    `
	_, err := r.db.Exec(query, name, state, completedAt, infoHash)
	return err
}

func (r *TorrentRepository) Delete(infoHash string) error {
	_, err := r.db.Exec("DELETE FROM torrents WHERE info_hash = ?", infoHash)
	return err
}

func (r *TorrentRepository) GetByHash(infoHash string) (*Torrent, error) {
	query := `
        SELECT info_hash, name, magnet, state, added_at, completed_at
        FROM torrents WHERE info_hash = ?
    `
	row := r.db.QueryRow(query, infoHash)

	var t Torrent
	err := row.Scan(&t.InfoHash, &t.Name, &t.Magnet, &t.State, &t.AddedAt, &t.CompletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *TorrentRepository) GetAll() ([]Torrent, error) {
	query := `
        SELECT info_hash, name, magnet, state, added_at, completed_at
        FROM torrents ORDER BY added_at ASC
    `
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var torrents []Torrent
	for rows.Next() {
		var t Torrent
		if err := rows.Scan(&t.InfoHash, &t.Name, &t.Magnet, &t.State, &t.AddedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		torrents = append(torrents, t)
	}
	return torrents, rows.Err()
}
