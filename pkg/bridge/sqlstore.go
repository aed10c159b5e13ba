// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// SQLStore is the production EntityStore, backed by go.mau.fi/util/dbutil
// with its migration machinery. Link lookups that the mapper performs on
// every message go through indexed columns rather than record scans.
type SQLStore struct {
	db *dbutil.Database
}

var _ EntityStore = (*SQLStore)(nil)

var storeUpgrades = &dbutil.UpgradeTable{}

func init() {
	storeUpgrades.Register(-1, 1, 0, "Latest revision", dbutil.TxnModeOn, func(ctx context.Context, db *dbutil.Database) error {
		_, err := db.Exec(ctx, `
			CREATE TABLE bridge_user (
				mxid            TEXT PRIMARY KEY,
				enabled         BOOLEAN NOT NULL DEFAULT false,
				remote_options  TEXT,
				management_room TEXT,
				link_owner      TEXT,
				link_contact_id TEXT
			)
		`)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `
			CREATE UNIQUE INDEX bridge_user_link_idx
				ON bridge_user (link_owner, link_contact_id)
				WHERE link_owner IS NOT NULL
		`)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `
			CREATE TABLE bridge_room (
				mxid            TEXT PRIMARY KEY,
				link_owner      TEXT,
				link_kind       TEXT,
				link_contact_id TEXT,
				link_room_id    TEXT
			)
		`)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `
			CREATE INDEX bridge_room_link_idx
				ON bridge_room (link_owner, link_kind, link_contact_id, link_room_id)
		`)
		return err
	})
}

func NewSQLStore(db *dbutil.Database) *SQLStore {
	db.UpgradeTable = *storeUpgrades
	db.VersionTable = "bridge_version"
	return &SQLStore{db: db}
}

// Upgrade applies pending schema migrations. Call once at startup before
// the store is used.
func (s *SQLStore) Upgrade(ctx context.Context) error {
	return s.db.Upgrade(ctx)
}

func nullStr(val string) sql.NullString {
	return sql.NullString{String: val, Valid: val != ""}
}

const userColumns = "mxid, enabled, remote_options, management_room, link_owner, link_contact_id"

func scanUser(row dbutil.Scannable) (*UserRecord, error) {
	var rec UserRecord
	var options, mgmtRoom, linkOwner, linkContact sql.NullString
	err := row.Scan(&rec.ID, &rec.Enabled, &options, &mgmtRoom, &linkOwner, &linkContact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if options.Valid {
		rec.RemoteOptions = json.RawMessage(options.String)
	}
	rec.ManagementRoom = id.RoomID(mgmtRoom.String)
	if linkOwner.Valid {
		rec.Link = &UserLink{
			Owner:     id.UserID(linkOwner.String),
			ContactID: linkContact.String,
		}
	}
	return &rec, nil
}

func (s *SQLStore) GetUser(ctx context.Context, userID id.UserID) (*UserRecord, error) {
	row := s.db.QueryRow(ctx, "SELECT "+userColumns+" FROM bridge_user WHERE mxid=$1", userID)
	return scanUser(row)
}

func (s *SQLStore) PutUser(ctx context.Context, rec *UserRecord) error {
	var linkOwner, linkContact sql.NullString
	if rec.Link != nil {
		linkOwner = nullStr(rec.Link.Owner.String())
		linkContact = nullStr(rec.Link.ContactID)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO bridge_user (mxid, enabled, remote_options, management_room, link_owner, link_contact_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mxid) DO UPDATE SET
			enabled=excluded.enabled,
			remote_options=excluded.remote_options,
			management_room=excluded.management_room,
			link_owner=excluded.link_owner,
			link_contact_id=excluded.link_contact_id
	`, rec.ID, rec.Enabled, nullStr(string(rec.RemoteOptions)), nullStr(rec.ManagementRoom.String()), linkOwner, linkContact)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) QueryUsers(ctx context.Context, q UserQuery) ([]*UserRecord, error) {
	query := "SELECT " + userColumns + " FROM bridge_user"
	var conds []string
	var args []any
	if q.LinkOwner != "" {
		args = append(args, q.LinkOwner)
		conds = append(conds, fmt.Sprintf("link_owner=$%d", len(args)))
	}
	if q.LinkContactID != "" {
		args = append(args, q.LinkContactID)
		conds = append(conds, fmt.Sprintf("link_contact_id=$%d", len(args)))
	}
	if q.Enabled != nil {
		args = append(args, *q.Enabled)
		conds = append(conds, fmt.Sprintf("enabled=$%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*UserRecord
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const roomColumns = "mxid, link_owner, link_kind, link_contact_id, link_room_id"

func scanRoom(row dbutil.Scannable) (*RoomRecord, error) {
	var rec RoomRecord
	var linkOwner, linkKind, linkContact, linkRoom sql.NullString
	err := row.Scan(&rec.ID, &linkOwner, &linkKind, &linkContact, &linkRoom)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if linkOwner.Valid {
		rec.Link = &RoomLink{
			Owner:        id.UserID(linkOwner.String),
			Kind:         RoomLinkKind(linkKind.String),
			ContactID:    linkContact.String,
			RemoteRoomID: linkRoom.String,
		}
	}
	return &rec, nil
}

func (s *SQLStore) GetRoom(ctx context.Context, roomID id.RoomID) (*RoomRecord, error) {
	row := s.db.QueryRow(ctx, "SELECT "+roomColumns+" FROM bridge_room WHERE mxid=$1", roomID)
	return scanRoom(row)
}

func (s *SQLStore) PutRoom(ctx context.Context, rec *RoomRecord) error {
	var linkOwner, linkKind, linkContact, linkRoom sql.NullString
	if rec.Link != nil {
		linkOwner = nullStr(rec.Link.Owner.String())
		linkKind = nullStr(string(rec.Link.Kind))
		linkContact = nullStr(rec.Link.ContactID)
		linkRoom = nullStr(rec.Link.RemoteRoomID)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO bridge_room (mxid, link_owner, link_kind, link_contact_id, link_room_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (mxid) DO UPDATE SET
			link_owner=excluded.link_owner,
			link_kind=excluded.link_kind,
			link_contact_id=excluded.link_contact_id,
			link_room_id=excluded.link_room_id
	`, rec.ID, linkOwner, linkKind, linkContact, linkRoom)
	if err != nil {
		return fmt.Errorf("failed to upsert room %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) QueryRooms(ctx context.Context, q RoomQuery) ([]*RoomRecord, error) {
	// Unlinked rooms never match a query, mirroring RoomQuery.Matches.
	query := "SELECT " + roomColumns + " FROM bridge_room WHERE link_owner IS NOT NULL"
	var args []any
	if q.LinkOwner != "" {
		args = append(args, q.LinkOwner)
		query += fmt.Sprintf(" AND link_owner=$%d", len(args))
	}
	if q.Kind != "" {
		args = append(args, string(q.Kind))
		query += fmt.Sprintf(" AND link_kind=$%d", len(args))
	}
	if q.ContactID != "" {
		args = append(args, q.ContactID)
		query += fmt.Sprintf(" AND link_contact_id=$%d", len(args))
	}
	if q.RemoteRoomID != "" {
		args = append(args, q.RemoteRoomID)
		query += fmt.Sprintf(" AND link_room_id=$%d", len(args))
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RoomRecord
	for rows.Next() {
		rec, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
