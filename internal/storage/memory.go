// Package storage keeps shipments, rates and users in process memory, with an
// optional JSON snapshot file. It backs STORAGE=memory and the test suites.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/repository"
)

type storedUser struct {
	models.User
	PasswordHash []byte `json:"password_hash"`
}

type snapshot struct {
	Shipments []models.Shipment      `json:"shipments"`
	Updates   []models.HistoryUpdate `json:"updates"`
	Rates     []models.Rate          `json:"rates"`
	Users     []storedUser           `json:"users"`
}

// MemoryStore implements the shipment, rate and user repositories.
type MemoryStore struct {
	mu sync.RWMutex

	shipments map[string]*models.Shipment
	created   map[string]int64 // insertion sequence, breaks created_at ties
	updates   []models.HistoryUpdate
	rates     map[int64]models.Rate
	users     map[string]models.User

	seq          int64
	nextUpdateID int64
	nextRateID   int64

	dataFile string
}

var (
	_ repository.ShipmentRepository = (*MemoryStore)(nil)
	_ repository.RateRepository     = (*MemoryStore)(nil)
	_ repository.UserRepository     = (*MemoryStore)(nil)
)

// New returns an empty store. When dataFile is not empty the store is loaded
// from it and every mutation rewrites it.
func New(dataFile string) (*MemoryStore, error) {
	st := &MemoryStore{
		shipments: make(map[string]*models.Shipment),
		created:   make(map[string]int64),
		rates:     make(map[int64]models.Rate),
		users:     make(map[string]models.User),
		dataFile:  dataFile,
	}
	if dataFile == "" {
		return st, nil
	}
	if err := st.loadFromFile(); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *MemoryStore) loadFromFile() error {
	data, err := os.ReadFile(st.dataFile)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(strings.TrimSpace(string(data))) == 0) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read data file error: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode data file error: %w", err)
	}

	sort.SliceStable(snap.Shipments, func(i, j int) bool {
		return snap.Shipments[i].CreatedAt.Before(snap.Shipments[j].CreatedAt)
	})
	for i := range snap.Shipments {
		s := snap.Shipments[i]
		st.seq++
		st.shipments[s.ID] = &s
		st.created[s.ID] = st.seq
	}
	st.updates = snap.Updates
	for _, u := range snap.Updates {
		if u.ID > st.nextUpdateID {
			st.nextUpdateID = u.ID
		}
	}
	for _, r := range snap.Rates {
		st.rates[r.ID] = r
		if r.ID > st.nextRateID {
			st.nextRateID = r.ID
		}
	}
	for _, su := range snap.Users {
		u := su.User
		u.PasswordHash = su.PasswordHash
		st.users[u.ID] = u
	}
	return nil
}

// saveToFile must be called with the write lock held.
func (st *MemoryStore) saveToFile() error {
	if st.dataFile == "" {
		return nil
	}
	snap := snapshot{
		Shipments: make([]models.Shipment, 0, len(st.shipments)),
		Updates:   st.updates,
		Rates:     make([]models.Rate, 0, len(st.rates)),
		Users:     make([]storedUser, 0, len(st.users)),
	}
	for _, s := range st.shipments {
		snap.Shipments = append(snap.Shipments, *s)
	}
	for _, r := range st.rates {
		snap.Rates = append(snap.Rates, r)
	}
	for _, u := range st.users {
		snap.Users = append(snap.Users, storedUser{User: u, PasswordHash: u.PasswordHash})
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return apperrors.Storage("encode data file", err)
	}
	if err := os.WriteFile(st.dataFile, data, 0o644); err != nil {
		return apperrors.Storage("write data file", err)
	}
	return nil
}

// persist writes the snapshot. When the write fails undo reverts the change
// already made to the maps, so memory never runs ahead of the file.
func (st *MemoryStore) persist(undo func()) error {
	if err := st.saveToFile(); err != nil {
		undo()
		return err
	}
	return nil
}

func (st *MemoryStore) CreateShipment(_ context.Context, s *models.Shipment, seed *models.HistoryUpdate) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.shipments[s.ID]; exists {
		return apperrors.Conflict("shipment %s already exists", s.ID)
	}
	for _, other := range st.shipments {
		if other.TrackingNumber == s.TrackingNumber {
			return repository.ErrTrackingNumberTaken
		}
	}
	n, lastUpdateID := len(st.updates), st.nextUpdateID
	stored := *s
	st.seq++
	st.shipments[s.ID] = &stored
	st.created[s.ID] = st.seq

	seed.ShipmentID = s.ID
	st.appendUpdate(seed)
	return st.persist(func() {
		delete(st.shipments, s.ID)
		delete(st.created, s.ID)
		st.seq--
		st.updates, st.nextUpdateID = st.updates[:n], lastUpdateID
	})
}

// appendUpdate assigns the next id and clamps the timestamp so the shipment's
// ledger never goes back in time.
func (st *MemoryStore) appendUpdate(u *models.HistoryUpdate) {
	for _, prev := range st.updates {
		if prev.ShipmentID == u.ShipmentID && prev.Timestamp.After(u.Timestamp) {
			u.Timestamp = prev.Timestamp
		}
	}
	st.nextUpdateID++
	u.ID = st.nextUpdateID
	u.Timestamp = u.Timestamp.UTC()
	st.updates = append(st.updates, *u)
}

func (st *MemoryStore) UpdateShipment(_ context.Context, s *models.Shipment, entry *models.HistoryUpdate) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, ok := st.shipments[s.ID]
	if !ok {
		return apperrors.NotFound("shipment %s not found", s.ID)
	}
	prev, n, lastUpdateID := *cur, len(st.updates), st.nextUpdateID
	next := *s
	next.TrackingNumber = cur.TrackingNumber
	next.ClientID = cur.ClientID
	next.CreatedAt = cur.CreatedAt
	*cur = next

	if entry != nil {
		entry.ShipmentID = s.ID
		st.appendUpdate(entry)
	}
	return st.persist(func() {
		*cur = prev
		st.updates, st.nextUpdateID = st.updates[:n], lastUpdateID
	})
}

func (st *MemoryStore) DeleteShipment(_ context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, ok := st.shipments[id]
	if !ok {
		return apperrors.NotFound("shipment %s not found", id)
	}
	seq, updates := st.created[id], st.updates
	delete(st.shipments, id)
	delete(st.created, id)
	kept := make([]models.HistoryUpdate, 0, len(st.updates))
	for _, u := range st.updates {
		if u.ShipmentID != id {
			kept = append(kept, u)
		}
	}
	st.updates = kept
	return st.persist(func() {
		st.shipments[id] = cur
		st.created[id] = seq
		st.updates = updates
	})
}

func (st *MemoryStore) GetShipment(_ context.Context, id string) (*models.Shipment, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.shipments[id]
	if !ok {
		return nil, apperrors.NotFound("shipment %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (st *MemoryStore) GetByTrackingNumber(_ context.Context, trackingNumber string) (*models.Shipment, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	for _, s := range st.shipments {
		if s.TrackingNumber == trackingNumber {
			cp := *s
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("shipment %s not found", trackingNumber)
}

func (st *MemoryStore) ListShipments(_ context.Context) ([]models.Shipment, error) {
	return st.filterShipments(func(*models.Shipment) bool { return true }), nil
}

func (st *MemoryStore) ListByClient(_ context.Context, clientID string) ([]models.Shipment, error) {
	return st.filterShipments(func(s *models.Shipment) bool { return s.ClientID == clientID }), nil
}

// filterShipments returns matching shipments, newest first.
func (st *MemoryStore) filterShipments(keep func(*models.Shipment) bool) []models.Shipment {
	st.mu.RLock()
	defer st.mu.RUnlock()

	res := make([]models.Shipment, 0, len(st.shipments))
	for _, s := range st.shipments {
		if keep(s) {
			res = append(res, *s)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return st.created[res[i].ID] > st.created[res[j].ID]
	})
	return res
}

func (st *MemoryStore) History(_ context.Context, shipmentID string) ([]models.HistoryUpdate, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if _, ok := st.shipments[shipmentID]; !ok {
		return nil, apperrors.NotFound("shipment %s not found", shipmentID)
	}
	res := make([]models.HistoryUpdate, 0)
	for _, u := range st.updates {
		if u.ShipmentID == shipmentID {
			res = append(res, u)
		}
	}
	sortUpdatesDesc(res)
	return res, nil
}

func sortUpdatesDesc(updates []models.HistoryUpdate) {
	sort.Slice(updates, func(i, j int) bool {
		if !updates[i].Timestamp.Equal(updates[j].Timestamp) {
			return updates[i].Timestamp.After(updates[j].Timestamp)
		}
		return updates[i].ID > updates[j].ID
	})
}

func (st *MemoryStore) Stats(_ context.Context) (models.Stats, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	stats := models.Stats{Total: len(st.shipments)}
	for _, s := range st.shipments {
		switch s.Status {
		case models.StatusInTransit:
			stats.InTransit++
		case models.StatusDelivered:
			stats.Delivered++
		case models.StatusDelayed:
			stats.Delayed++
		}
	}
	return stats, nil
}

func (st *MemoryStore) RecentActivity(_ context.Context, limit int) ([]models.Activity, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	all := make([]models.HistoryUpdate, len(st.updates))
	copy(all, st.updates)
	sortUpdatesDesc(all)
	if limit >= 0 && len(all) > limit {
		all = all[:limit]
	}

	res := make([]models.Activity, 0, len(all))
	for _, u := range all {
		a := models.Activity{ID: u.ID, Location: u.Location, StatusUpdate: u.StatusUpdate, Timestamp: u.Timestamp}
		if s, ok := st.shipments[u.ShipmentID]; ok {
			a.TrackingNumber = s.TrackingNumber
		}
		res = append(res, a)
	}
	return res, nil
}

func (st *MemoryStore) ListRates(_ context.Context) ([]models.Rate, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	res := make([]models.Rate, 0, len(st.rates))
	for _, r := range st.rates {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool {
		if c := res[i].BaseRate.Cmp(res[j].BaseRate.Decimal); c != 0 {
			return c < 0
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (st *MemoryStore) GetRateByName(_ context.Context, name string) (*models.Rate, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	for _, r := range st.rates {
		if r.ServiceName == name {
			cp := r
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("rate %s not found", name)
}

func (st *MemoryStore) rateNameTaken(name string, exceptID int64) bool {
	for _, r := range st.rates {
		if r.ServiceName == name && r.ID != exceptID {
			return true
		}
	}
	return false
}

func (st *MemoryStore) CreateRate(_ context.Context, r *models.Rate) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.rateNameTaken(r.ServiceName, 0) {
		return apperrors.Conflict("service rate with that name already exists")
	}
	st.nextRateID++
	r.ID = st.nextRateID
	st.rates[r.ID] = *r
	return st.persist(func() {
		delete(st.rates, r.ID)
		st.nextRateID--
		r.ID = 0
	})
}

func (st *MemoryStore) UpdateRate(_ context.Context, r *models.Rate) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	prev, ok := st.rates[r.ID]
	if !ok {
		return apperrors.NotFound("rate %d not found", r.ID)
	}
	if st.rateNameTaken(r.ServiceName, r.ID) {
		return apperrors.Conflict("service rate with that name already exists")
	}
	st.rates[r.ID] = *r
	return st.persist(func() { st.rates[r.ID] = prev })
}

func (st *MemoryStore) DeleteRate(_ context.Context, id int64) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	prev, ok := st.rates[id]
	if !ok {
		return apperrors.NotFound("rate %d not found", id)
	}
	delete(st.rates, id)
	return st.persist(func() { st.rates[id] = prev })
}

func (st *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, other := range st.users {
		if strings.EqualFold(other.Email, u.Email) {
			return apperrors.Conflict("user with that email already exists")
		}
	}
	if _, exists := st.users[u.ID]; exists {
		return apperrors.Conflict("user %s already exists", u.ID)
	}
	st.users[u.ID] = *u
	return st.persist(func() { delete(st.users, u.ID) })
}

func (st *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	u, ok := st.users[id]
	if !ok {
		return nil, apperrors.NotFound("user %s not found", id)
	}
	return &u, nil
}

func (st *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	for _, u := range st.users {
		if strings.EqualFold(u.Email, email) {
			cp := u
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("user %s not found", email)
}

func (st *MemoryStore) ListUsers(_ context.Context) ([]models.User, error) {
	res := st.filterUsers(func(models.User) bool { return true })
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (st *MemoryStore) ListByRole(_ context.Context, role models.Role) ([]models.User, error) {
	res := st.filterUsers(func(u models.User) bool { return u.Role == role })
	sort.Slice(res, func(i, j int) bool {
		if res[i].FullName != res[j].FullName {
			return res[i].FullName < res[j].FullName
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (st *MemoryStore) filterUsers(keep func(models.User) bool) []models.User {
	st.mu.RLock()
	defer st.mu.RUnlock()

	res := make([]models.User, 0, len(st.users))
	for _, u := range st.users {
		if keep(u) {
			res = append(res, u)
		}
	}
	return res
}

func (st *MemoryStore) UpdateRole(_ context.Context, id string, role models.Role) (*models.User, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	prev, ok := st.users[id]
	if !ok {
		return nil, apperrors.NotFound("user %s not found", id)
	}
	u := prev
	u.Role = role
	st.users[id] = u
	if err := st.persist(func() { st.users[id] = prev }); err != nil {
		return nil, err
	}
	return &u, nil
}

func (st *MemoryStore) DeleteUser(_ context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	prev, ok := st.users[id]
	if !ok {
		return apperrors.NotFound("user %s not found", id)
	}
	delete(st.users, id)
	return st.persist(func() { st.users[id] = prev })
}
