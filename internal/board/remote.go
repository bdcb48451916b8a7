package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/optisync/internal/session"
	"github.com/roach88/optisync/internal/store"
	"github.com/roach88/optisync/internal/syncerr"
)

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithRemoteClock replaces the authority's wall clock.
func WithRemoteClock(now func() time.Time) RemoteOption {
	return func(r *Remote) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRemoteIDs replaces the authority's ID generator.
func WithRemoteIDs(newID func() string) RemoteOption {
	return func(r *Remote) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// Remote is the typed client for the authority. The authority assigns
// entity IDs and timestamps, so its responses differ from what a client
// speculated.
type Remote struct {
	st    *store.Store
	now   func() time.Time
	newID func() string
}

// NewRemote wraps a store.
func NewRemote(st *store.Store, opts ...RemoteOption) *Remote {
	r := &Remote{
		st:    st,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateTask stores draft under a new authority-assigned ID.
func (r *Remote) CreateTask(ctx context.Context, draft Task) (Task, error) {
	if strings.TrimSpace(draft.Title) == "" {
		return Task{}, syncerr.New(syncerr.KindInvalid, "task.create", "title is required")
	}
	now := r.now()
	t := draft
	t.ID = r.newID()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if err := r.put(ctx, TableTasks, t.ID, t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// UpdateTask applies patch to the stored task.
func (r *Remote) UpdateTask(ctx context.Context, id string, patch TaskPatch) (Task, error) {
	return update(ctx, r.st, TableTasks, id, func(t *Task) {
		*t = patch.Apply(*t)
		t.UpdatedAt = r.now()
	})
}

// DeleteTask removes a task.
func (r *Remote) DeleteTask(ctx context.Context, id string) error {
	_, err := r.st.Delete(ctx, TableTasks, id)
	return err
}

// ListTasks returns every task in creation order.
func (r *Remote) ListTasks(ctx context.Context) ([]Task, error) {
	return list[Task](ctx, r.st, TableTasks, nil)
}

// CreateNotification stores n under a new ID.
func (r *Remote) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	n.ID = r.newID()
	n.CreatedAt = r.now()
	if err := r.put(ctx, TableNotifications, n.ID, n); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// ListNotifications returns the notifications addressed to recipientID.
func (r *Remote) ListNotifications(ctx context.Context, recipientID string) ([]Notification, error) {
	return list(ctx, r.st, TableNotifications, func(n Notification) bool {
		return n.RecipientID == recipientID
	})
}

// FindProfile implements session.ProfileStore.
func (r *Remote) FindProfile(ctx context.Context, id string) (session.Profile, error) {
	var p session.Profile
	if err := r.get(ctx, TableProfiles, id, &p); err != nil {
		return session.Profile{}, err
	}
	return p, nil
}

// CreateProfile implements session.ProfileStore. When another client
// provisioned the same profile first, the stored one is returned.
func (r *Remote) CreateProfile(ctx context.Context, p session.Profile) (session.Profile, error) {
	err := r.put(ctx, TableProfiles, p.ID, p)
	if errors.Is(err, store.ErrDuplicate) {
		return r.FindProfile(ctx, p.ID)
	}
	if err != nil {
		return session.Profile{}, err
	}
	return p, nil
}

// SetRole changes a member's role.
func (r *Remote) SetRole(ctx context.Context, id string, role session.Role) (session.Profile, error) {
	return update(ctx, r.st, TableProfiles, id, func(p *session.Profile) {
		p.Role = role
	})
}

// ListProfiles returns every profile in creation order.
func (r *Remote) ListProfiles(ctx context.Context) ([]session.Profile, error) {
	return list[session.Profile](ctx, r.st, TableProfiles, nil)
}

func (r *Remote) get(ctx context.Context, table, id string, v any) error {
	rec, err := r.st.Find(ctx, table, id)
	if err != nil {
		return err
	}
	return rec.Decode(v)
}

func (r *Remote) put(ctx context.Context, table, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, id, err)
	}
	_, err = r.st.Insert(ctx, table, id, body)
	return err
}

// update decodes the stored document, lets fn change it and writes it back
// in the same store transaction.
func update[T any](ctx context.Context, st *store.Store, table, id string, fn func(*T)) (T, error) {
	var v T
	_, err := st.Patch(ctx, table, id, func(body json.RawMessage) (json.RawMessage, error) {
		v = *new(T)
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", table, id, err)
		}
		fn(&v)
		return json.Marshal(v)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

func list[T any](ctx context.Context, st *store.Store, table string, keep func(T) bool) ([]T, error) {
	recs, err := st.List(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := rec.Decode(&v); err != nil {
			return nil, err
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}
