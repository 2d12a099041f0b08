package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
)

// SaveAccount upserts an account keyed by (case, platform, handle,
// external id). Existing non-null fields are never overwritten. The stored
// id is returned, which differs from acc.ID when the account already existed.
func (r *SQLRepository) SaveAccount(ctx context.Context, caseID string, acc *domain.RawAccount) (string, error) {
	if err := requireCase(caseID); err != nil {
		return "", err
	}
	if acc == nil || acc.Platform == "" {
		return "", fmt.Errorf("%w: account platform is required", ErrInvalidInput)
	}
	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}

	externalKey := acc.ExternalID
	if acc.Handle == "" && externalKey == "" {
		externalKey = acc.ID
	}

	query := `
		INSERT INTO accounts (
			id, case_id, platform, handle_key, external_key,
			handle, name, external_id, email, phone, extra, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, platform, handle_key, external_key) DO UPDATE SET
			handle = COALESCE(accounts.handle, excluded.handle),
			name = COALESCE(accounts.name, excluded.name),
			external_id = COALESCE(accounts.external_id, excluded.external_id),
			email = COALESCE(accounts.email, excluded.email),
			phone = COALESCE(accounts.phone, excluded.phone),
			extra = COALESCE(accounts.extra, excluded.extra),
			updated_at = excluded.updated_at
		RETURNING id
	`

	var id string
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		acc.ID, caseID, acc.Platform, acc.Handle, externalKey,
		nullString(acc.Handle), nullString(acc.Name), nullString(acc.ExternalID),
		nullString(acc.Email), nullString(acc.Phone), jsonText(acc.Extra),
		r.now().UTC(),
	).Scan(&id)
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

// ListAccounts returns accounts updated at or after since.
func (r *SQLRepository) ListAccounts(ctx context.Context, caseID string, since time.Time) ([]*domain.RawAccount, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	f := newFilter(caseID).since("updated_at", since)
	query := `
		SELECT id, case_id, platform, handle, name, external_id, email, phone, extra, updated_at
		FROM accounts` + f.where() + `
		ORDER BY platform, handle_key, external_key
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), f.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var accounts []*domain.RawAccount
	for rows.Next() {
		var a domain.RawAccount
		var handle, name, externalID, email, phone, extra sql.NullString

		if err := rows.Scan(
			&a.ID, &a.CaseID, &a.Platform, &handle, &name, &externalID,
			&email, &phone, &extra, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}

		a.Handle = handle.String
		a.Name = name.String
		a.ExternalID = externalID.String
		a.Email = email.String
		a.Phone = phone.String
		a.Extra = jsonMap(extra)
		a.UpdatedAt = a.UpdatedAt.UTC()
		accounts = append(accounts, &a)
	}

	return accounts, classify(rows.Err())
}

// SaveEvent upserts an event by id.
func (r *SQLRepository) SaveEvent(ctx context.Context, caseID string, ev *domain.Event) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	if ev == nil || ev.ActorKey == "" || ev.Channel == "" {
		return fmt.Errorf("%w: event actor and channel are required", ErrInvalidInput)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	query := `
		INSERT INTO events (
			id, case_id, platform, ts, actor_key, peer_key, channel,
			private, text, payload, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, id) DO UPDATE SET
			platform = excluded.platform,
			ts = excluded.ts,
			actor_key = excluded.actor_key,
			peer_key = excluded.peer_key,
			channel = excluded.channel,
			private = excluded.private,
			text = excluded.text,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, caseID, ev.Platform, nullTime(ev.Timestamp), ev.ActorKey,
		nullString(ev.PeerKey), ev.Channel, boolInt(ev.Private),
		nullString(ev.Text), jsonText(ev.Payload), r.now().UTC(),
	)
	return classify(err)
}

// ListEvents returns events updated at or after since, in timestamp order.
// Untimed events come first.
func (r *SQLRepository) ListEvents(ctx context.Context, caseID string, since time.Time) ([]*domain.Event, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	f := newFilter(caseID).since("updated_at", since)
	query := `
		SELECT id, case_id, platform, ts, actor_key, peer_key, channel,
			   private, text, payload, updated_at
		FROM events` + f.where() + `
		ORDER BY CASE WHEN ts IS NULL THEN 0 ELSE 1 END, ts, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), f.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var ts sql.NullTime
		var peer, text, payload sql.NullString
		var private int

		if err := rows.Scan(
			&ev.ID, &ev.CaseID, &ev.Platform, &ts, &ev.ActorKey, &peer,
			&ev.Channel, &private, &text, &payload, &ev.UpdatedAt,
		); err != nil {
			return nil, err
		}

		ev.Timestamp = timePtr(ts)
		ev.PeerKey = peer.String
		ev.Private = private == 1
		ev.Text = text.String
		ev.Payload = jsonMap(payload)
		ev.UpdatedAt = ev.UpdatedAt.UTC()
		events = append(events, &ev)
	}

	return events, classify(rows.Err())
}

// SavePing stores a location fix. Re-sending the same fix is a no-op.
func (r *SQLRepository) SavePing(ctx context.Context, caseID string, p *domain.Ping) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	if p == nil || p.PersonID == "" || p.Timestamp.IsZero() {
		return fmt.Errorf("%w: ping person and timestamp are required", ErrInvalidInput)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: ping coordinates out of range", ErrInvalidInput)
	}

	query := `
		INSERT INTO pings (case_id, person_id, device_id, ts, lat, lon)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, person_id, device_id, ts) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		caseID, p.PersonID, p.DeviceID, p.Timestamp.UTC(), p.Lat, p.Lon,
	)
	return classify(err)
}

// ListPings returns the pings of one person, or of everyone when personID
// is empty, in timestamp order.
func (r *SQLRepository) ListPings(ctx context.Context, caseID, personID string, from, to time.Time) ([]*domain.Ping, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	f := newFilter(caseID).eq("person_id", personID).since("ts", from).until("ts", to)
	query := `
		SELECT case_id, person_id, device_id, ts, lat, lon
		FROM pings` + f.where() + `
		ORDER BY person_id, ts
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), f.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var pings []*domain.Ping
	for rows.Next() {
		var p domain.Ping
		if err := rows.Scan(&p.CaseID, &p.PersonID, &p.DeviceID, &p.Timestamp, &p.Lat, &p.Lon); err != nil {
			return nil, err
		}
		p.Timestamp = p.Timestamp.UTC()
		pings = append(pings, &p)
	}

	return pings, classify(rows.Err())
}

// SaveHotelStay upserts a lodging record by id.
func (r *SQLRepository) SaveHotelStay(ctx context.Context, caseID string, s *domain.HotelStay) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	if s == nil || s.PersonID == "" || s.PlaceID == "" {
		return fmt.Errorf("%w: stay person and place are required", ErrInvalidInput)
	}
	if s.CheckOut.Before(s.CheckIn) {
		return fmt.Errorf("%w: checkout before checkin", ErrInvalidInput)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	query := `
		INSERT INTO hotel_stays (
			id, case_id, person_id, place_id, checkin_ts, checkout_ts,
			booking_ref, paid_cash, card_last4
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, id) DO UPDATE SET
			person_id = excluded.person_id,
			place_id = excluded.place_id,
			checkin_ts = excluded.checkin_ts,
			checkout_ts = excluded.checkout_ts,
			booking_ref = excluded.booking_ref,
			paid_cash = excluded.paid_cash,
			card_last4 = excluded.card_last4
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		s.ID, caseID, s.PersonID, s.PlaceID, s.CheckIn.UTC(), s.CheckOut.UTC(),
		nullString(s.BookingRef), boolInt(s.PaidCash), nullString(s.CardLast4),
	)
	return classify(err)
}

// ListHotelStays returns stays overlapping [from, to], or all stays of the
// person when both bounds are zero.
func (r *SQLRepository) ListHotelStays(ctx context.Context, caseID, personID string, from, to time.Time) ([]*domain.HotelStay, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	f := newFilter(caseID).eq("person_id", personID).since("checkout_ts", from).until("checkin_ts", to)
	query := `
		SELECT id, case_id, person_id, place_id, checkin_ts, checkout_ts,
			   booking_ref, paid_cash, card_last4
		FROM hotel_stays` + f.where() + `
		ORDER BY checkin_ts, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), f.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var stays []*domain.HotelStay
	for rows.Next() {
		var s domain.HotelStay
		var bookingRef, cardLast4 sql.NullString
		var paidCash int

		if err := rows.Scan(
			&s.ID, &s.CaseID, &s.PersonID, &s.PlaceID, &s.CheckIn, &s.CheckOut,
			&bookingRef, &paidCash, &cardLast4,
		); err != nil {
			return nil, err
		}

		s.CheckIn = s.CheckIn.UTC()
		s.CheckOut = s.CheckOut.UTC()
		s.BookingRef = bookingRef.String
		s.PaidCash = paidCash == 1
		s.CardLast4 = cardLast4.String
		stays = append(stays, &s)
	}

	return stays, classify(rows.Err())
}

// SaveCall stores a call record. Re-sending the same call is a no-op.
func (r *SQLRepository) SaveCall(ctx context.Context, caseID string, c *domain.Call) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	if c == nil || c.CallerID == "" || c.CalleeID == "" || c.Timestamp.IsZero() {
		return fmt.Errorf("%w: caller, callee and timestamp are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO calls (case_id, caller_id, callee_id, ts, duration_s)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(case_id, caller_id, callee_id, ts) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		caseID, c.CallerID, c.CalleeID, c.Timestamp.UTC(), c.DurationS,
	)
	return classify(err)
}

// ListCalls returns calls at or after since in timestamp order.
func (r *SQLRepository) ListCalls(ctx context.Context, caseID string, since time.Time) ([]*domain.Call, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	f := newFilter(caseID).since("ts", since)
	query := `
		SELECT case_id, caller_id, callee_id, ts, duration_s
		FROM calls` + f.where() + `
		ORDER BY ts, caller_id, callee_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), f.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		var c domain.Call
		if err := rows.Scan(&c.CaseID, &c.CallerID, &c.CalleeID, &c.Timestamp, &c.DurationS); err != nil {
			return nil, err
		}
		c.Timestamp = c.Timestamp.UTC()
		calls = append(calls, &c)
	}

	return calls, classify(rows.Err())
}

// CountCalls counts calls between a and b in either direction.
func (r *SQLRepository) CountCalls(ctx context.Context, caseID, a, b string, from, to time.Time) (int, error) {
	if err := requireCase(caseID); err != nil {
		return 0, err
	}

	f := newFilter(caseID).since("ts", from).until("ts", to)
	f.clauses = append(f.clauses, "((caller_id = ? AND callee_id = ?) OR (caller_id = ? AND callee_id = ?))")
	f.args = append(f.args, a, b, b, a)

	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM calls`+f.where()), f.args...).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}
