package integration

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/domain/device"
	"github.com/lis/lis/internal/domain/mapping"
	"github.com/lis/lis/internal/domain/message"
	"github.com/lis/lis/internal/domain/orders"
	"github.com/lis/lis/internal/domain/staging"
	"github.com/lis/lis/internal/platform/wire"
)

// Map-backed doubles for every repository the pipeline touches. The
// staging mock resolves device attribution through the message mock, the
// same join the SQL layer performs.

type mockDeviceRepo struct {
	devices map[uuid.UUID]*device.Device
}

func newMockDeviceRepo() *mockDeviceRepo {
	return &mockDeviceRepo{devices: make(map[uuid.UUID]*device.Device)}
}

func (m *mockDeviceRepo) Create(_ context.Context, d *device.Device) error {
	d.ID = uuid.New()
	d.CreatedAt = time.Now().Add(time.Duration(len(m.devices)) * time.Minute)
	m.devices[d.ID] = d
	return nil
}

func (m *mockDeviceRepo) GetByID(_ context.Context, id uuid.UUID) (*device.Device, error) {
	d, ok := m.devices[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	return d, nil
}

func (m *mockDeviceRepo) Update(_ context.Context, d *device.Device) error {
	if _, ok := m.devices[d.ID]; !ok {
		return device.ErrNotFound
	}
	m.devices[d.ID] = d
	return nil
}

func (m *mockDeviceRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.devices[id]; !ok {
		return device.ErrNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *mockDeviceRepo) List(_ context.Context, _ device.Filter, _, _ int) ([]*device.Device, int, error) {
	var out []*device.Device
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out, len(out), nil
}

func (m *mockDeviceRepo) FindByRoute(_ context.Context, protocol wire.Protocol, facilityCode string) (*device.Device, error) {
	for _, d := range m.devices {
		if d.Enabled && d.Protocol == protocol && d.FacilityCode == facilityCode {
			return d, nil
		}
	}
	return nil, device.ErrNotFound
}

func (m *mockDeviceRepo) FindByFacility(_ context.Context, facilityCode string) (*device.Device, error) {
	var best *device.Device
	for _, d := range m.devices {
		if !d.Enabled || d.FacilityCode != facilityCode {
			continue
		}
		if best == nil || d.CreatedAt.Before(best.CreatedAt) {
			best = d
		}
	}
	if best == nil {
		return nil, device.ErrNotFound
	}
	return best, nil
}

func (m *mockDeviceRepo) RecordHeartbeat(_ context.Context, id uuid.UUID) error {
	d, ok := m.devices[id]
	if !ok {
		return device.ErrNotFound
	}
	now := time.Now()
	d.LastSeenAt = &now
	return nil
}

func (m *mockDeviceRepo) RecordError(_ context.Context, id uuid.UUID, reason string) error {
	d, ok := m.devices[id]
	if !ok {
		return device.ErrNotFound
	}
	now := time.Now()
	d.LastError = &reason
	d.LastErrorAt = &now
	return nil
}

func (m *mockDeviceRepo) UpdateSecretHash(_ context.Context, id uuid.UUID, hash string) error {
	d, ok := m.devices[id]
	if !ok {
		return device.ErrNotFound
	}
	d.SecretHash = &hash
	return nil
}

type mockRouteRepo struct {
	routes map[string]*device.FacilityRoute
}

func newMockRouteRepo() *mockRouteRepo {
	return &mockRouteRepo{routes: make(map[string]*device.FacilityRoute)}
}

func routeKey(protocol wire.Protocol, facilityCode string) string {
	return string(protocol) + "|" + facilityCode
}

func (m *mockRouteRepo) Upsert(_ context.Context, route *device.FacilityRoute) error {
	m.routes[routeKey(route.Protocol, route.FacilityCode)] = route
	return nil
}

func (m *mockRouteRepo) Delete(_ context.Context, protocol wire.Protocol, facilityCode string) error {
	delete(m.routes, routeKey(protocol, facilityCode))
	return nil
}

func (m *mockRouteRepo) Resolve(_ context.Context, protocol wire.Protocol, facilityCode string) (*device.FacilityRoute, error) {
	r, ok := m.routes[routeKey(protocol, facilityCode)]
	if !ok {
		return nil, device.ErrNotFound
	}
	return r, nil
}

type mockMappingRepo struct {
	mappings map[uuid.UUID]*mapping.LabCodeMapping
}

func newMockMappingRepo() *mockMappingRepo {
	return &mockMappingRepo{mappings: make(map[uuid.UUID]*mapping.LabCodeMapping)}
}

func (m *mockMappingRepo) Create(_ context.Context, lm *mapping.LabCodeMapping) error {
	for _, existing := range m.mappings {
		if existing.DeviceID == lm.DeviceID && existing.ExternalCode == lm.ExternalCode {
			return mapping.ErrDuplicateMapping
		}
	}
	lm.ID = uuid.New()
	m.mappings[lm.ID] = lm
	return nil
}

func (m *mockMappingRepo) GetByID(_ context.Context, id uuid.UUID) (*mapping.LabCodeMapping, error) {
	lm, ok := m.mappings[id]
	if !ok {
		return nil, mapping.ErrNotFound
	}
	return lm, nil
}

func (m *mockMappingRepo) Update(_ context.Context, lm *mapping.LabCodeMapping) error {
	if _, ok := m.mappings[lm.ID]; !ok {
		return mapping.ErrNotFound
	}
	m.mappings[lm.ID] = lm
	return nil
}

func (m *mockMappingRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.mappings[id]; !ok {
		return mapping.ErrNotFound
	}
	delete(m.mappings, id)
	return nil
}

func (m *mockMappingRepo) ListByDevice(_ context.Context, deviceID uuid.UUID, _, _ int) ([]*mapping.LabCodeMapping, int, error) {
	var out []*mapping.LabCodeMapping
	for _, lm := range m.mappings {
		if lm.DeviceID == deviceID {
			out = append(out, lm)
		}
	}
	return out, len(out), nil
}

func (m *mockMappingRepo) Resolve(_ context.Context, deviceID uuid.UUID, externalCode string) (*mapping.LabCodeMapping, error) {
	for _, lm := range m.mappings {
		if lm.DeviceID == deviceID && lm.ExternalCode == externalCode && lm.Active {
			return lm, nil
		}
	}
	return nil, mapping.ErrNotFound
}

type mockMessageRepo struct {
	messages map[uuid.UUID]*message.IntegrationMessage
}

func newMockMessageRepo() *mockMessageRepo {
	return &mockMessageRepo{messages: make(map[uuid.UUID]*message.IntegrationMessage)}
}

func (m *mockMessageRepo) Insert(_ context.Context, im *message.IntegrationMessage) error {
	if im.DeviceID != nil && im.MessageControlID != nil {
		for _, existing := range m.messages {
			if existing.DeviceID != nil && existing.MessageControlID != nil &&
				*existing.DeviceID == *im.DeviceID &&
				*existing.MessageControlID == *im.MessageControlID {
				return message.ErrDuplicateMessage
			}
		}
	}
	im.ID = uuid.New()
	if im.ReceivedAt.IsZero() {
		im.ReceivedAt = time.Now().UTC()
	}
	m.messages[im.ID] = im
	return nil
}

func (m *mockMessageRepo) GetByID(_ context.Context, id uuid.UUID) (*message.IntegrationMessage, error) {
	im, ok := m.messages[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	dup := *im
	return &dup, nil
}

func (m *mockMessageRepo) List(_ context.Context, f message.Filter, _, _ int) ([]*message.IntegrationMessage, int, error) {
	var out []*message.IntegrationMessage
	for _, im := range m.messages {
		if f.Status != "" && im.Status != f.Status {
			continue
		}
		if f.DeviceID != nil && (im.DeviceID == nil || *im.DeviceID != *f.DeviceID) {
			continue
		}
		out = append(out, im)
	}
	return out, len(out), nil
}

func (m *mockMessageRepo) MarkParsed(_ context.Context, id uuid.UUID, summary json.RawMessage) error {
	im, ok := m.messages[id]
	if !ok {
		return message.ErrNotFound
	}
	im.Status = message.StatusParsed
	im.ParsedSummary = summary
	im.ErrorReason = nil
	return nil
}

func (m *mockMessageRepo) MarkProcessed(_ context.Context, id uuid.UUID) error {
	im, ok := m.messages[id]
	if !ok {
		return message.ErrNotFound
	}
	im.Status = message.StatusProcessed
	now := time.Now().UTC()
	im.ProcessedAt = &now
	return nil
}

func (m *mockMessageRepo) MarkError(_ context.Context, id uuid.UUID, reason string) error {
	im, ok := m.messages[id]
	if !ok {
		return message.ErrNotFound
	}
	im.Status = message.StatusError
	im.ErrorReason = &reason
	return nil
}

func (m *mockMessageRepo) ResetForReprocess(_ context.Context, id uuid.UUID) error {
	im, ok := m.messages[id]
	if !ok {
		return message.ErrNotFound
	}
	im.Status = message.StatusReceived
	im.ErrorReason = nil
	im.ParsedSummary = nil
	im.ProcessedAt = nil
	return nil
}

func (m *mockMessageRepo) Stats(_ context.Context) (*message.Stats, error) {
	stats := &message.Stats{ByStatus: make(map[message.Status]int)}
	counts := make(map[uuid.UUID]int)
	unattributed := 0
	for _, im := range m.messages {
		stats.ByStatus[im.Status]++
		if time.Since(im.ReceivedAt) < 24*time.Hour {
			stats.Last24h++
		}
		if im.DeviceID != nil {
			counts[*im.DeviceID]++
		} else {
			unattributed++
		}
	}
	for id, n := range counts {
		devID := id
		stats.ByDevice = append(stats.ByDevice, message.DeviceCount{DeviceID: &devID, Count: n})
	}
	if unattributed > 0 {
		stats.ByDevice = append(stats.ByDevice, message.DeviceCount{Count: unattributed})
	}
	return stats, nil
}

// only returns the single message row, failing the test when the mock
// holds anything but exactly one.
func (m *mockMessageRepo) only(t *testing.T) *message.IntegrationMessage {
	t.Helper()
	if len(m.messages) != 1 {
		t.Fatalf("expected exactly 1 message row, got %d", len(m.messages))
	}
	for _, im := range m.messages {
		return im
	}
	return nil
}

type mockStagingRepo struct {
	results  map[uuid.UUID]*staging.StagedResult
	messages *mockMessageRepo
	seq      int
}

func newMockStagingRepo(messages *mockMessageRepo) *mockStagingRepo {
	return &mockStagingRepo{
		results:  make(map[uuid.UUID]*staging.StagedResult),
		messages: messages,
	}
}

func (m *mockStagingRepo) next() time.Time {
	m.seq++
	return time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC).Add(time.Duration(m.seq) * time.Second)
}

func (m *mockStagingRepo) Create(_ context.Context, sr *staging.StagedResult) error {
	sr.ID = uuid.New()
	sr.CreatedAt = m.next()
	for i, item := range sr.Items {
		item.ID = uuid.New()
		item.StagedResultID = sr.ID
		item.Position = i
		item.CreatedAt = m.next()
	}
	m.results[sr.ID] = sr
	return nil
}

func (m *mockStagingRepo) GetByMessage(_ context.Context, messageID uuid.UUID) (*staging.StagedResult, error) {
	for _, sr := range m.results {
		if sr.MessageID == messageID {
			return sr, nil
		}
	}
	return nil, staging.ErrNotFound
}

func (m *mockStagingRepo) DeleteByMessage(_ context.Context, messageID uuid.UUID) error {
	for id, sr := range m.results {
		if sr.MessageID == messageID {
			delete(m.results, id)
		}
	}
	return nil
}

func (m *mockStagingRepo) unmapped(match func(sr *staging.StagedResult, devID *uuid.UUID) bool) []*staging.UnmappedItem {
	var out []*staging.UnmappedItem
	for _, sr := range m.results {
		var devID *uuid.UUID
		if im, ok := m.messages.messages[sr.MessageID]; ok {
			devID = im.DeviceID
		}
		if !match(sr, devID) {
			continue
		}
		for _, item := range sr.Items {
			if item.InternalTestID != nil {
				continue
			}
			out = append(out, &staging.UnmappedItem{
				ItemID:          item.ID,
				DeviceID:        devID,
				SpecimenBarcode: sr.SpecimenBarcode,
				ExternalCode:    item.ExternalCode,
				ValueText:       item.ValueText,
				Units:           item.Units,
				ReferenceRange:  item.ReferenceRange,
				AbnormalFlag:    item.AbnormalFlag,
				StatusCode:      item.StatusCode,
				ObservedAt:      item.ObservedAt,
			})
		}
	}
	return out
}

func (m *mockStagingRepo) itemCreatedAt(itemID uuid.UUID) time.Time {
	for _, sr := range m.results {
		for _, item := range sr.Items {
			if item.ID == itemID {
				return item.CreatedAt
			}
		}
	}
	return time.Time{}
}

func (m *mockStagingRepo) ListUnmappedByDevice(_ context.Context, deviceID uuid.UUID, limit int) ([]*staging.UnmappedItem, error) {
	out := m.unmapped(func(_ *staging.StagedResult, devID *uuid.UUID) bool {
		return devID != nil && *devID == deviceID
	})
	sort.Slice(out, func(i, j int) bool {
		return m.itemCreatedAt(out[i].ItemID).Before(m.itemCreatedAt(out[j].ItemID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStagingRepo) ListUnmappedBySpecimen(_ context.Context, barcode string) ([]*staging.UnmappedItem, error) {
	out := m.unmapped(func(sr *staging.StagedResult, _ *uuid.UUID) bool {
		return sr.SpecimenBarcode == barcode
	})
	sort.Slice(out, func(i, j int) bool {
		return m.itemCreatedAt(out[i].ItemID).Before(m.itemCreatedAt(out[j].ItemID))
	})
	return out, nil
}

func (m *mockStagingRepo) SetItemInternalTestID(_ context.Context, itemID uuid.UUID, internalTestID int) error {
	for _, sr := range m.results {
		for _, item := range sr.Items {
			if item.ID == itemID {
				id := internalTestID
				item.InternalTestID = &id
				return nil
			}
		}
	}
	return staging.ErrNotFound
}

type mockOrderRepo struct {
	orders map[uuid.UUID]*orders.LabOrder
	clock  time.Time
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{
		orders: make(map[uuid.UUID]*orders.LabOrder),
		clock:  time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC),
	}
}

func (m *mockOrderRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Minute)
	return m.clock
}

func (m *mockOrderRepo) Create(_ context.Context, o *orders.LabOrder) error {
	o.ID = uuid.New()
	o.CreatedAt = m.tick()
	for _, item := range o.Items {
		item.ID = uuid.New()
		item.OrderID = o.ID
		item.CreatedAt = m.tick()
		if item.Status == "" {
			item.Status = orders.StatusOrdered
		}
	}
	m.orders[o.ID] = o
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*orders.LabOrder, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return o, nil
}

func (m *mockOrderRepo) List(_ context.Context, _ orders.Filter, _, _ int) ([]*orders.LabOrder, int, error) {
	var out []*orders.LabOrder
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out, len(out), nil
}

func (m *mockOrderRepo) FindPushTarget(_ context.Context, specimenBarcode string, internalTestID int) (*orders.LabOrderItem, error) {
	var best *orders.LabOrderItem
	for _, o := range m.orders {
		if o.Status == orders.StatusCancelled || o.SpecimenBarcode != specimenBarcode {
			continue
		}
		for _, item := range o.Items {
			if item.InternalTestID != internalTestID {
				continue
			}
			if best == nil || item.CreatedAt.After(best.CreatedAt) {
				best = item
			}
		}
	}
	if best == nil {
		return nil, orders.ErrNoPushTarget
	}
	return best, nil
}

func (m *mockOrderRepo) ListItems(_ context.Context, orderID uuid.UUID) ([]*orders.LabOrderItem, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return o.Items, nil
}

func (m *mockOrderRepo) UpdateItemResult(_ context.Context, updated *orders.LabOrderItem) error {
	for _, o := range m.orders {
		for _, item := range o.Items {
			if item.ID == updated.ID {
				*item = *updated
				return nil
			}
		}
	}
	return orders.ErrNotFound
}

func (m *mockOrderRepo) UpdateOrderStatus(_ context.Context, orderID uuid.UUID, status orders.Status) error {
	o, ok := m.orders[orderID]
	if !ok {
		return orders.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = m.tick()
	return nil
}

// testEnv wires the pipeline and automap over the mock repositories the
// way main wires them over postgres.
type testEnv struct {
	devices  *mockDeviceRepo
	routes   *mockRouteRepo
	mappings *mockMappingRepo
	messages *mockMessageRepo
	staged   *mockStagingRepo
	orders   *mockOrderRepo

	orderSvc *orders.Service
	pipeline *Pipeline
	automap  *Automap
}

func newTestEnv() *testEnv {
	env := &testEnv{
		devices:  newMockDeviceRepo(),
		routes:   newMockRouteRepo(),
		mappings: newMockMappingRepo(),
		messages: newMockMessageRepo(),
		orders:   newMockOrderRepo(),
	}
	env.staged = newMockStagingRepo(env.messages)
	env.orderSvc = orders.NewService(env.orders)
	env.pipeline = NewPipeline(env.devices, env.mappings, env.messages, env.staged, zerolog.Nop())
	env.automap = NewAutomap(env.mappings, env.staged, env.orderSvc, zerolog.Nop())
	return env
}

func (e *testEnv) addDevice(t *testing.T, protocol wire.Protocol, facilityCode string, allowList ...string) *device.Device {
	t.Helper()
	d := &device.Device{
		Name:         "analyzer-" + facilityCode,
		Protocol:     protocol,
		FacilityCode: facilityCode,
		Enabled:      true,
		IPAllowList:  allowList,
	}
	if err := e.devices.Create(context.Background(), d); err != nil {
		t.Fatalf("creating device: %v", err)
	}
	return d
}

func (e *testEnv) addMapping(t *testing.T, deviceID uuid.UUID, externalCode string, internalTestID int) {
	t.Helper()
	err := e.mappings.Create(context.Background(), &mapping.LabCodeMapping{
		DeviceID:       deviceID,
		ExternalCode:   externalCode,
		InternalTestID: internalTestID,
		Active:         true,
	})
	if err != nil {
		t.Fatalf("creating mapping: %v", err)
	}
}

func (e *testEnv) addOrder(t *testing.T, orderNumber, barcode string, testIDs ...int) *orders.LabOrder {
	t.Helper()
	o := &orders.LabOrder{
		OrderNumber:     orderNumber,
		SpecimenBarcode: barcode,
		Status:          orders.StatusOrdered,
	}
	for _, id := range testIDs {
		o.Items = append(o.Items, &orders.LabOrderItem{InternalTestID: id})
	}
	if err := e.orders.Create(context.Background(), o); err != nil {
		t.Fatalf("creating order: %v", err)
	}
	return o
}
