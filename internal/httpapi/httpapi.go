package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"restopos/backend/internal/audit"
	"restopos/backend/internal/domain"
	"restopos/backend/internal/gateway"
	"restopos/backend/internal/inventory"
	"restopos/backend/internal/metrics"
	"restopos/backend/internal/order"
	"restopos/backend/internal/payment"
	"restopos/backend/internal/store"
)

// Services are the domain components served by the API.
type Services struct {
	Orders    *order.Service
	Payments  *payment.Reconciler
	Inventory *inventory.Ledger
	Gateway   *gateway.Gateway
	Audit     store.AuditStore
	BranchID  string
}

type API struct {
	svc           Services
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

func New(svc Services, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		svc:           svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	staff := []string{RoleCashier, RoleManager, RoleAdmin}
	supervisors := []string{RoleManager, RoleAdmin}

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/sync/orders", a.requireAuth(a.handleSyncOrders, RoleTerminal, RoleAdmin))
	mux.HandleFunc("/api/v1/sync/payments", a.requireAuth(a.handleSyncPayment, RoleTerminal, RoleAdmin))
	mux.HandleFunc("/api/v1/sync/inventory", a.requireAuth(a.handleSyncInventory, RoleTerminal, RoleAdmin))

	mux.HandleFunc("/api/v1/orders", a.requireAuth(a.handleOrders, staff...))
	mux.HandleFunc("/api/v1/orders/active", a.requireAuth(a.handleActiveOrders, staff...))
	mux.HandleFunc("/api/v1/orders/", a.requireAuth(a.handleOrderActions, staff...))

	mux.HandleFunc("/api/v1/payments", a.requireAuth(a.handlePayments, staff...))
	mux.HandleFunc("/api/v1/payments/validate", a.requireAuth(a.handlePaymentValidate, staff...))
	mux.HandleFunc("/api/v1/payments/", a.requireAuth(a.handlePaymentActions, staff...))
	mux.HandleFunc("/api/v1/refunds", a.requireAuth(a.handleRefunds, staff...))
	mux.HandleFunc("/api/v1/refunds/", a.requireAuth(a.handleRefundActions, staff...))
	mux.HandleFunc("/api/v1/cash-reconciliations", a.requireAuth(a.handleCashReconciliations, supervisors...))

	mux.HandleFunc("/api/v1/inventory/items", a.requireAuth(a.handleInventoryItems, staff...))
	mux.HandleFunc("/api/v1/inventory/items/", a.requireAuth(a.handleInventoryItemActions, staff...))
	mux.HandleFunc("/api/v1/inventory/logs", a.requireAuth(a.handleInventoryLogs, supervisors...))
	mux.HandleFunc("/api/v1/inventory/reconcile", a.requireAuth(a.handleInventoryReconcile, RoleAdmin))

	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, RoleAdmin))
	mux.HandleFunc("/api/v1/users/staff", a.requireAuth(a.handleStaff, RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(audit.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSyncOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.OrderBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.svc.Gateway.SyncOrders(r.Context(), req.Orders)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSyncPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.PaymentSync
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.svc.Gateway.SyncPayment(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSyncInventory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.InventoryBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.svc.Gateway.SyncInventory(r.Context(), req.Entries)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		orders, err := a.svc.Orders.List(r.Context(), domain.OrderFilter{
			BranchID:   strings.TrimSpace(q.Get("branch_id")),
			Status:     domain.OrderStatus(strings.TrimSpace(q.Get("status"))),
			SyncStatus: domain.SyncStatus(strings.TrimSpace(q.Get("sync_status"))),
			Limit:      parsePositiveLimit(q.Get("limit"), 100, 500),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
	case http.MethodPost:
		var req domain.OrderCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := a.svc.Orders.Create(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"order": created})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleActiveOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	orders, err := a.svc.Orders.ActiveOrders(r.Context(), strings.TrimSpace(r.URL.Query().Get("branch_id")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

type addLinesRequest struct {
	Lines []domain.OrderLineInput `json:"lines"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type discountRequest struct {
	Discount decimal.Decimal `json:"discount"`
}

// handleOrderActions serves:
//
//	GET  /api/v1/orders/{id}
//	POST /api/v1/orders/{id}/lines
//	POST /api/v1/orders/{id}/status
//	POST /api/v1/orders/{id}/discount
//	POST /api/v1/orders/{id}/lines/{index}/kitchen-status
//	POST /api/v1/orders/{id}/lines/{index}/complete
func (a *API) handleOrderActions(w http.ResponseWriter, r *http.Request) {
	parts := pathSegments(r.URL.Path, "/api/v1/orders/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("order id required"))
		return
	}
	orderID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		found, err := a.svc.Orders.Get(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": found})
		return
	}

	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var (
		updated *domain.Order
		err     error
	)
	switch {
	case len(parts) == 2 && parts[1] == "lines":
		var req addLinesRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err = a.svc.Orders.AddLines(r.Context(), orderID, req.Lines)
	case len(parts) == 2 && parts[1] == "status":
		var req statusRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err = a.svc.Orders.Advance(r.Context(), orderID, domain.OrderStatus(req.Status))
	case len(parts) == 2 && parts[1] == "discount":
		var req discountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err = a.svc.Orders.SetDiscount(r.Context(), orderID, req.Discount)
	case len(parts) == 4 && parts[1] == "lines":
		index, convErr := strconv.Atoi(parts[2])
		if convErr != nil {
			writeError(w, http.StatusBadRequest, errors.New("line index must be a number"))
			return
		}
		switch parts[3] {
		case "kitchen-status":
			var req statusRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			updated, err = a.svc.Orders.AdvanceLine(r.Context(), orderID, index, domain.KitchenStatus(req.Status))
		case "complete":
			updated, err = a.svc.Orders.CompleteLine(r.Context(), orderID, index)
		default:
			writeError(w, http.StatusNotFound, errors.New("unknown line action"))
			return
		}
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown order action"))
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": updated})
}

func (a *API) handlePayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := a.svc.Payments.ProcessPayment(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"payment": tx})
}

type validateRequest struct {
	CashAmount  decimal.Decimal `json:"cash_amount"`
	CardAmount  decimal.Decimal `json:"card_amount"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// handlePaymentValidate previews a tender without recording anything.
func (a *API) handlePaymentValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, payment.Validate(req.CashAmount, req.CardAmount, req.TotalAmount))
}

// handlePaymentActions serves GET /api/v1/payments/{id},
// POST /api/v1/payments/{id}/complete and GET /api/v1/payments/{id}/refunds.
func (a *API) handlePaymentActions(w http.ResponseWriter, r *http.Request) {
	parts := pathSegments(r.URL.Path, "/api/v1/payments/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("transaction id required"))
		return
	}
	transactionID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		tx, err := a.svc.Payments.GetPayment(r.Context(), transactionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payment": tx})
	case len(parts) == 2 && parts[1] == "complete" && r.Method == http.MethodPost:
		tx, err := a.svc.Payments.CompletePayment(r.Context(), transactionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payment": tx})
	case len(parts) == 2 && parts[1] == "refunds" && r.Method == http.MethodGet:
		refunds, err := a.svc.Payments.ListRefunds(r.Context(), transactionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"refunds": refunds})
	case len(parts) <= 2:
		writeMethodNotAllowed(w)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown payment action"))
	}
}

func (a *API) handleRefunds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.RefundCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	refund, err := a.svc.Payments.RequestRefund(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"refund": refund})
}

type approveRefundRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

// handleRefundActions serves POST /api/v1/refunds/{id}/approve. Admins approve
// directly; other staff need the manager PIN.
func (a *API) handleRefundActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	parts := pathSegments(r.URL.Path, "/api/v1/refunds/")
	if len(parts) != 2 || parts[1] != "approve" {
		writeError(w, http.StatusBadRequest, errors.New("invalid refund action path"))
		return
	}

	var req approveRefundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor, _ := audit.ActorFromContext(r.Context())
	if actor.Role != RoleAdmin {
		if !a.pinLimiter.Allow("pin:refund:" + clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
			return
		}
		if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
			writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
			return
		}
	}

	refund, err := a.svc.Payments.ApproveRefund(r.Context(), parts[0], actor.Username)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refund": refund})
}

type cashReconciliationRequest struct {
	BranchID     string          `json:"branch_id"`
	ExpectedCash decimal.Decimal `json:"expected_cash"`
	ActualCash   decimal.Decimal `json:"actual_cash"`
}

func (a *API) handleCashReconciliations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		recs, err := a.svc.Payments.ListCashReconciliations(r.Context(), a.branchOr(q.Get("branch_id")), parsePositiveLimit(q.Get("limit"), 50, 200))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reconciliations": recs})
	case http.MethodPost:
		var req cashReconciliationRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		actor, _ := audit.ActorFromContext(r.Context())
		rec, err := a.svc.Payments.ReconcileCash(r.Context(), a.branchOr(req.BranchID), req.ExpectedCash, req.ActualCash, actor.Username)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"reconciliation": rec})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleInventoryItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		branchID := a.branchOr(q.Get("branch_id"))
		var (
			items []domain.InventoryItem
			err   error
		)
		if lowOnly, _ := strconv.ParseBool(q.Get("low_stock")); lowOnly {
			items, err = a.svc.Inventory.LowStockItems(r.Context(), branchID)
		} else {
			items, err = a.svc.Inventory.ListItems(r.Context(), branchID)
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		actor, _ := audit.ActorFromContext(r.Context())
		if !isRoleAllowed(actor.Role, []string{RoleManager, RoleAdmin}) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		var req domain.InventoryItemCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.BranchID = a.branchOr(req.BranchID)
		item, err := a.svc.Inventory.CreateItem(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"item": item})
	default:
		writeMethodNotAllowed(w)
	}
}

type stockMovementRequest struct {
	Quantity       int    `json:"quantity"`
	ReportedBy     string `json:"reported_by,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// handleInventoryItemActions serves:
//
//	GET  /api/v1/inventory/items/{id}
//	GET  /api/v1/inventory/items/{id}/history
//	POST /api/v1/inventory/items/{id}/adjust
//	POST /api/v1/inventory/items/{id}/restock
//	POST /api/v1/inventory/items/{id}/waste
func (a *API) handleInventoryItemActions(w http.ResponseWriter, r *http.Request) {
	parts := pathSegments(r.URL.Path, "/api/v1/inventory/items/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("item id required"))
		return
	}
	itemID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	if len(parts) > 2 {
		writeError(w, http.StatusNotFound, errors.New("unknown inventory action"))
		return
	}

	ctx := r.Context()
	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		item, err := a.svc.Inventory.GetItem(ctx, itemID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": item})
	case "history":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		q := r.URL.Query()
		logs, err := a.svc.Inventory.GetItemHistory(ctx, itemID, domain.InventoryLogFilter{
			Reason: domain.InventoryReason(strings.TrimSpace(q.Get("reason"))),
			Limit:  parsePositiveLimit(q.Get("limit"), 100, 500),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
	case "adjust":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.StockAdjustRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := a.svc.Inventory.AdjustStock(ctx, itemID, req.NewStock, req.Reason, req.ReportedBy)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "restock", "waste":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req stockMovementRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var (
			item *domain.InventoryItem
			err  error
		)
		if action == "restock" {
			item, err = a.svc.Inventory.Restock(ctx, itemID, req.Quantity, req.ReportedBy, req.IdempotencyKey)
		} else {
			item, err = a.svc.Inventory.RecordWaste(ctx, itemID, req.Quantity, req.ReportedBy, req.IdempotencyKey)
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": item})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown inventory action"))
	}
}

func (a *API) handleInventoryLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	logs, err := a.svc.Inventory.GetInventoryLogs(r.Context(), domain.InventoryLogFilter{
		ItemID:   strings.TrimSpace(q.Get("item_id")),
		BranchID: strings.TrimSpace(q.Get("branch_id")),
		Reason:   domain.InventoryReason(strings.TrimSpace(q.Get("reason"))),
		Limit:    parsePositiveLimit(q.Get("limit"), 100, 500),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleInventoryReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	drift, err := a.svc.Inventory.Reconcile(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drift": drift})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	logs, err := a.svc.Audit.ListAuditLogs(r.Context(), domain.AuditLogFilter{
		BranchID:     strings.TrimSpace(q.Get("branch_id")),
		ResourceType: strings.TrimSpace(q.Get("resource_type")),
		ResourceID:   strings.TrimSpace(q.Get("resource_id")),
		Limit:        parsePositiveLimit(q.Get("limit"), 200, 1000),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleStaff(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"staff": a.auth.ListStaff(r.Context())})
	case http.MethodPost:
		var req domain.StaffCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		user, err := a.auth.CreateStaff(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) branchOr(branchID string) string {
	if trimmed := strings.TrimSpace(branchID); trimmed != "" {
		return trimmed
	}
	return a.svc.BranchID
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)
		metrics.ObserveHTTP(r.Method, rec.status, elapsed)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, elapsed)
	})
}

// pathSegments splits the path below prefix into non-empty segments.
func pathSegments(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	raw := strings.Split(rest, "/")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// statusFor maps domain and store errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError adds the variance to mismatch rejections so the till can
// show the shortfall or excess.
func writeServiceError(w http.ResponseWriter, err error) {
	var mismatch *domain.MismatchError
	if errors.As(err, &mismatch) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      err.Error(),
			"expected":   mismatch.Expected,
			"tendered":   mismatch.Tendered,
			"difference": mismatch.Difference,
		})
		return
	}
	writeError(w, statusFor(err), err)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies never carry internal details.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
