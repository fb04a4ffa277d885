package job

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"hostbilling/internal/client"
	"hostbilling/internal/model"
	"hostbilling/internal/repository"

	"gorm.io/gorm"
)

// 测试用内存实现，语义对齐各仓储/客户端接口的约定

type fakeTxManager struct{}

func (f *fakeTxManager) Transaction(fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error {
	return fc(nil)
}

type fakeWalletRepo struct {
	wallets map[string]*model.Wallet
}

func newFakeWalletRepo() *fakeWalletRepo {
	return &fakeWalletRepo{wallets: make(map[string]*model.Wallet)}
}

func (f *fakeWalletRepo) GetOrCreate(ctx context.Context, ownerID string) (*model.Wallet, error) {
	if w, ok := f.wallets[ownerID]; ok {
		return w, nil
	}
	w := &model.Wallet{OwnerID: ownerID}
	f.wallets[ownerID] = w
	return w, nil
}

func (f *fakeWalletRepo) GetByOwnerID(ctx context.Context, ownerID string) (*model.Wallet, error) {
	w, ok := f.wallets[ownerID]
	if !ok {
		return nil, repository.ErrWalletNotFound
	}
	return w, nil
}

func (f *fakeWalletRepo) GetByOwnerIDForUpdate(ctx context.Context, tx *gorm.DB, ownerID string) (*model.Wallet, error) {
	return f.GetByOwnerID(ctx, ownerID)
}

func (f *fakeWalletRepo) Debit(ctx context.Context, tx *gorm.DB, ownerID string, amount int64) error {
	w, ok := f.wallets[ownerID]
	if !ok || w.DeletedAt != nil {
		return repository.ErrWalletNotFound
	}
	if w.Balance < amount {
		return repository.ErrBalanceNotEnough
	}
	w.Balance -= amount
	return nil
}

func (f *fakeWalletRepo) Credit(ctx context.Context, tx *gorm.DB, ownerID string, amount int64) error {
	w, ok := f.wallets[ownerID]
	if !ok || w.DeletedAt != nil {
		return repository.ErrWalletNotFound
	}
	w.Balance += amount
	return nil
}

func (f *fakeWalletRepo) UpdateAutoTopup(ctx context.Context, ownerID string, enable bool, below, target int64, paymentMethodID string) error {
	return nil
}

func (f *fakeWalletRepo) SoftDelete(ctx context.Context, ownerID string) error {
	w, ok := f.wallets[ownerID]
	if !ok {
		return repository.ErrWalletNotFound
	}
	now := time.Now()
	w.DeletedAt = &now
	return nil
}

func (f *fakeWalletRepo) ListAlive(ctx context.Context, offset, limit int) ([]*model.Wallet, error) {
	var alive []*model.Wallet
	for _, w := range f.wallets {
		if w.DeletedAt == nil {
			alive = append(alive, w)
		}
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i].OwnerID < alive[j].OwnerID })
	if offset >= len(alive) {
		return nil, nil
	}
	end := offset + limit
	if end > len(alive) {
		end = len(alive)
	}
	return alive[offset:end], nil
}

type fakeLedgerRepo struct {
	entries []*model.LedgerEntry
	byKey   map[string]*model.LedgerEntry
	byEvent map[string]*model.LedgerEntry
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	return &fakeLedgerRepo{
		byKey:   make(map[string]*model.LedgerEntry),
		byEvent: make(map[string]*model.LedgerEntry),
	}
}

func (f *fakeLedgerRepo) Append(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) (bool, error) {
	if entry.IdempotencyKey != nil {
		if _, ok := f.byKey[*entry.IdempotencyKey]; ok {
			return false, nil
		}
	}
	if entry.ExternalEventID != nil {
		if _, ok := f.byEvent[*entry.ExternalEventID]; ok {
			return false, nil
		}
	}
	entry.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, entry)
	if entry.IdempotencyKey != nil {
		f.byKey[*entry.IdempotencyKey] = entry
	}
	if entry.ExternalEventID != nil {
		f.byEvent[*entry.ExternalEventID] = entry
	}
	return true, nil
}

func (f *fakeLedgerRepo) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.LedgerEntry, error) {
	return f.byKey[key], nil
}

func (f *fakeLedgerRepo) GetByExternalEventID(ctx context.Context, eventID string) (*model.LedgerEntry, error) {
	return f.byEvent[eventID], nil
}

func (f *fakeLedgerRepo) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	var out []*model.LedgerEntry
	for _, e := range f.entries {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeLedgerRepo) CountByIdempotencyPrefix(ctx context.Context, prefix string) (int64, error) {
	var n int64
	for key := range f.byKey {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			n++
		}
	}
	return n, nil
}

type fakeBillingRepo struct {
	rows map[string]*model.ResourceBilling
}

func newFakeBillingRepo() *fakeBillingRepo {
	return &fakeBillingRepo{rows: make(map[string]*model.ResourceBilling)}
}

func (f *fakeBillingRepo) Create(ctx context.Context, tx *gorm.DB, rb *model.ResourceBilling) error {
	if _, ok := f.rows[rb.ResourceID]; ok {
		return nil
	}
	f.rows[rb.ResourceID] = rb
	return nil
}

func (f *fakeBillingRepo) GetByResourceID(ctx context.Context, resourceID string) (*model.ResourceBilling, error) {
	rb, ok := f.rows[resourceID]
	if !ok {
		return nil, repository.ErrBillingNotFound
	}
	return rb, nil
}

func (f *fakeBillingRepo) GetDueResources(ctx context.Context, now time.Time, limit int) ([]*model.ResourceBilling, error) {
	var out []*model.ResourceBilling
	for _, rb := range f.rows {
		chargeable := rb.Status == model.BillingStatusActive ||
			rb.Status == model.BillingStatusPaid ||
			rb.Status == model.BillingStatusUnpaid
		if chargeable && rb.AutoRenew && !rb.NextChargeAt.After(now) {
			out = append(out, rb)
		}
	}
	return out, nil
}

func (f *fakeBillingRepo) GetSuspendDue(ctx context.Context, now time.Time, limit int) ([]*model.ResourceBilling, error) {
	var out []*model.ResourceBilling
	for _, rb := range f.rows {
		overdue := rb.Status == model.BillingStatusUnpaid || rb.Status == model.BillingStatusOverdue
		if overdue && rb.SuspendAt != nil && !rb.SuspendAt.After(now) {
			out = append(out, rb)
		}
	}
	return out, nil
}

func (f *fakeBillingRepo) GetSuspendedBefore(ctx context.Context, before time.Time, limit int) ([]*model.ResourceBilling, error) {
	var out []*model.ResourceBilling
	for _, rb := range f.rows {
		if rb.Status == model.BillingStatusSuspended && rb.SuspendAt != nil && !rb.SuspendAt.After(before) {
			out = append(out, rb)
		}
	}
	return out, nil
}

func (f *fakeBillingRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.ResourceBilling, error) {
	var out []*model.ResourceBilling
	for _, rb := range f.rows {
		if rb.OwnerID == ownerID {
			out = append(out, rb)
		}
	}
	return out, nil
}

func (f *fakeBillingRepo) AdvanceAfterCharge(ctx context.Context, tx *gorm.DB, resourceID string, lastBilledAt, nextChargeAt time.Time) error {
	rb, ok := f.rows[resourceID]
	if !ok {
		return repository.ErrBillingNotFound
	}
	if !model.CanBillingTransitionTo(rb.Status, model.BillingStatusPaid) {
		return repository.ErrBillingStatusInvalid
	}
	rb.Status = model.BillingStatusPaid
	t := lastBilledAt
	rb.LastBilledAt = &t
	rb.NextChargeAt = nextChargeAt
	rb.SuspendAt = nil
	return nil
}

func (f *fakeBillingRepo) AdvancePeriod(ctx context.Context, tx *gorm.DB, resourceID string, nextChargeAt time.Time) error {
	rb, ok := f.rows[resourceID]
	if !ok {
		return repository.ErrBillingNotFound
	}
	if rb.NextChargeAt.Before(nextChargeAt) {
		rb.NextChargeAt = nextChargeAt
	}
	return nil
}

func (f *fakeBillingRepo) MarkUnpaid(ctx context.Context, tx *gorm.DB, resourceID string, suspendAt time.Time) error {
	rb, ok := f.rows[resourceID]
	if !ok {
		return repository.ErrBillingNotFound
	}
	if rb.Status != model.BillingStatusActive && rb.Status != model.BillingStatusPaid {
		return nil
	}
	rb.Status = model.BillingStatusUnpaid
	t := suspendAt
	rb.SuspendAt = &t
	return nil
}

func (f *fakeBillingRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, resourceID, fromStatus, toStatus string) error {
	if !model.CanBillingTransitionTo(fromStatus, toStatus) {
		return repository.ErrBillingStatusInvalid
	}
	rb, ok := f.rows[resourceID]
	if !ok {
		return repository.ErrBillingNotFound
	}
	if rb.Status != fromStatus {
		return repository.ErrBillingStatusInvalid
	}
	rb.Status = toStatus
	return nil
}

func (f *fakeBillingRepo) MarkCancelled(ctx context.Context, tx *gorm.DB, resourceID string) error {
	rb, ok := f.rows[resourceID]
	if !ok {
		return repository.ErrBillingNotFound
	}
	rb.Status = model.BillingStatusCancelled
	rb.AutoRenew = false
	return nil
}

func (f *fakeBillingRepo) CancelByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	for _, rb := range f.rows {
		if rb.OwnerID == ownerID && rb.Status != model.BillingStatusCancelled {
			rb.Status = model.BillingStatusCancelled
			rb.AutoRenew = false
			n++
		}
	}
	return n, nil
}

type fakeCancellationRepo struct {
	requests []*model.CancellationRequest
}

func (f *fakeCancellationRepo) CreatePending(ctx context.Context, tx *gorm.DB, req *model.CancellationRequest) error {
	for _, r := range f.requests {
		if r.ResourceID == req.ResourceID && r.Status == model.CancelStatusPending {
			return repository.ErrPendingCancellationExists
		}
	}
	req.ID = int64(len(f.requests) + 1)
	req.Status = model.CancelStatusPending
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeCancellationRepo) HasPending(ctx context.Context, tx *gorm.DB, resourceID string) (bool, error) {
	for _, r := range f.requests {
		if r.ResourceID == resourceID && r.Status == model.CancelStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCancellationRepo) GetByRequestNo(ctx context.Context, requestNo string) (*model.CancellationRequest, error) {
	for _, r := range f.requests {
		if r.RequestNo == requestNo {
			return r, nil
		}
	}
	return nil, repository.ErrCancellationNotFound
}

func (f *fakeCancellationRepo) GetDueRequests(ctx context.Context, now time.Time, limit int) ([]*model.CancellationRequest, error) {
	var out []*model.CancellationRequest
	for _, r := range f.requests {
		if r.Status == model.CancelStatusPending && !r.ScheduledAt.After(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeCancellationRepo) MarkCompleted(ctx context.Context, id int64) error {
	for _, r := range f.requests {
		if r.ID == id {
			if r.Status != model.CancelStatusPending {
				return repository.ErrCancellationStatusInvalid
			}
			r.Status = model.CancelStatusCompleted
			now := time.Now()
			r.CompletedAt = &now
			return nil
		}
	}
	return repository.ErrCancellationNotFound
}

func (f *fakeCancellationRepo) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	for _, r := range f.requests {
		if r.ID == id {
			if r.Status != model.CancelStatusPending {
				return repository.ErrCancellationStatusInvalid
			}
			r.Status = model.CancelStatusFailed
			r.ErrorMessage = errorMessage
			return nil
		}
	}
	return repository.ErrCancellationNotFound
}

func (f *fakeCancellationRepo) MarkRevoked(ctx context.Context, requestNo string, deadline time.Time) error {
	for _, r := range f.requests {
		if r.RequestNo == requestNo {
			if r.Status != model.CancelStatusPending || !r.ScheduledAt.After(deadline) {
				return repository.ErrCancellationStatusInvalid
			}
			r.Status = model.CancelStatusRevoked
			now := time.Now()
			r.RevokedAt = &now
			return nil
		}
	}
	return repository.ErrCancellationNotFound
}

func (f *fakeCancellationRepo) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*model.CancellationRequest, int64, error) {
	var out []*model.CancellationRequest
	for _, r := range f.requests {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, int64(len(out)), nil
}

type fakeOrderRepo struct {
	orders map[string]*model.ProvisionOrder
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[string]*model.ProvisionOrder)}
}

func (f *fakeOrderRepo) Create(ctx context.Context, tx *gorm.DB, order *model.ProvisionOrder) error {
	f.orders[order.OrderNo] = order
	return nil
}

func (f *fakeOrderRepo) GetByOrderNo(ctx context.Context, orderNo string) (*model.ProvisionOrder, error) {
	o, ok := f.orders[orderNo]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeOrderRepo) GetByRequestID(ctx context.Context, requestID string) (*model.ProvisionOrder, error) {
	for _, o := range f.orders {
		if o.RequestID == requestID {
			return o, nil
		}
	}
	return nil, nil
}

func (f *fakeOrderRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, orderNo string, fromStatus, toStatus string) error {
	o, ok := f.orders[orderNo]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if o.Status != fromStatus || !model.CanOrderTransitionTo(fromStatus, toStatus) {
		return repository.ErrOrderStatusInvalid
	}
	o.Status = toStatus
	return nil
}

func (f *fakeOrderRepo) GetExpiredOrders(ctx context.Context, limit int) ([]*model.ProvisionOrder, error) {
	var out []*model.ProvisionOrder
	now := time.Now()
	for _, o := range f.orders {
		if o.Status == model.OrderStatusCreated && o.ExpiredAt.Before(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeOrderRepo) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*model.ProvisionOrder, int64, error) {
	var out []*model.ProvisionOrder
	for _, o := range f.orders {
		if o.OwnerID == ownerID {
			out = append(out, o)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeOrderRepo) CancelPendingByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	for _, o := range f.orders {
		if o.OwnerID == ownerID && o.Status == model.OrderStatusCreated {
			o.Status = model.OrderStatusCancelled
			n++
		}
	}
	return n, nil
}

type fakeOutboxRepo struct {
	messages []*model.OutboxMessage
}

func (f *fakeOutboxRepo) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	msg.ID = int64(len(f.messages) + 1)
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeOutboxRepo) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var out []*model.OutboxMessage
	for _, m := range f.messages {
		if m.Status == "" || m.Status == model.OutboxStatusPending {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeOutboxRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	for _, m := range f.messages {
		if m.ID == id {
			m.Status = status
			return nil
		}
	}
	return fmt.Errorf("消息不存在: %d", id)
}

func (f *fakeOutboxRepo) IncrementRetryCount(ctx context.Context, id int64) error {
	for _, m := range f.messages {
		if m.ID == id {
			m.RetryCount++
			return nil
		}
	}
	return fmt.Errorf("消息不存在: %d", id)
}

func (f *fakeOutboxRepo) MarkAsFailed(ctx context.Context, id int64) error {
	return f.UpdateStatus(ctx, id, model.OutboxStatusFailed)
}

// fakeHypervisor 记录每个操作的调用次数，可按资源注入错误
type fakeHypervisor struct {
	suspendCalls   map[string]int
	unsuspendCalls map[string]int
	deleteCalls    map[string]int
	deleteAccCalls map[string]int
	errByResource  map[string]error
	users          []client.HypervisorUser
	listErr        error
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{
		suspendCalls:   make(map[string]int),
		unsuspendCalls: make(map[string]int),
		deleteCalls:    make(map[string]int),
		deleteAccCalls: make(map[string]int),
		errByResource:  make(map[string]error),
	}
}

func (f *fakeHypervisor) Suspend(ctx context.Context, resourceID string) error {
	f.suspendCalls[resourceID]++
	return f.errByResource[resourceID]
}

func (f *fakeHypervisor) Unsuspend(ctx context.Context, resourceID string) error {
	f.unsuspendCalls[resourceID]++
	return f.errByResource[resourceID]
}

func (f *fakeHypervisor) Delete(ctx context.Context, resourceID string) error {
	f.deleteCalls[resourceID]++
	return f.errByResource[resourceID]
}

func (f *fakeHypervisor) DeleteAccount(ctx context.Context, accountID string) error {
	f.deleteAccCalls[accountID]++
	return f.errByResource[accountID]
}

func (f *fakeHypervisor) ListUsers(ctx context.Context, page, pageSize int) ([]client.HypervisorUser, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	start := (page - 1) * pageSize
	if start >= len(f.users) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(f.users) {
		end = len(f.users)
	}
	return f.users[start:end], nil
}

// fakeIdentity exists 里没有的用户视为已注销；errOwners 注入查询错误
type fakeIdentity struct {
	exists    map[string]bool
	errOwners map[string]error
	calls     int
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{exists: make(map[string]bool), errOwners: make(map[string]error)}
}

func (f *fakeIdentity) Exists(ctx context.Context, ownerID string) (bool, error) {
	f.calls++
	if err, ok := f.errOwners[ownerID]; ok {
		return false, err
	}
	return f.exists[ownerID], nil
}

type fakeGateway struct {
	approved      bool
	chargeCalls   int
	deletedCustom map[string]int
	deleteErr     error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{deletedCustom: make(map[string]int)}
}

func (f *fakeGateway) Charge(ctx context.Context, customerID, paymentMethodID string, amount int64, currency string) (*client.ChargeResult, error) {
	f.chargeCalls++
	return &client.ChargeResult{EventID: fmt.Sprintf("evt-%d", f.chargeCalls), Approved: f.approved}, nil
}

func (f *fakeGateway) DeleteCustomer(ctx context.Context, customerID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletedCustom[customerID]++
	return nil
}
