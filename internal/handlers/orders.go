package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/oakmere/storefront/internal/domain"
	"github.com/oakmere/storefront/internal/platform/httpx"
	"github.com/oakmere/storefront/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 4 * 1024

	actorHeader = "X-Actor"
)

var errBodyTooLarge = errors.New("request body too large")

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type updateStatusRequest struct {
	Status            *string `json:"status"`
	PaymentStatus     *string `json:"payment_status"`
	FulfillmentStatus *string `json:"fulfillment_status"`
	Reason            string  `json:"reason"`
}

// OrderHandlers exposes the admin order management endpoints.
type OrderHandlers struct {
	orders  services.OrderService
	history services.StatusHistoryService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, history services.StatusHistoryService) *OrderHandlers {
	return &OrderHandlers{
		orders:  orders,
		history: history,
	}
}

// Routes registers the admin order endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:status", h.updateStatus)
	r.Post("/{orderID}:retry-refund", h.retryRefund)
	r.Get("/{orderID}/history", h.listHistory)
	r.Get("/{orderID}/history/refunds", h.listRefundHistory)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}

	pageSize, ok := parsePageSize(query.Get("page_size"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}

	filter := services.OrderListFilter{
		Status:    parseFilterValues(query["status"]),
		Provider:  strings.ToLower(strings.TrimSpace(query.Get("provider"))),
		DateRange: dateRange,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	httpx.WriteJSON(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	if !decodeOptionalBody(ctx, w, r, &req) {
		return
	}

	result, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Actor:   requestActor(r),
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, cancellationResponse{
		Order:  buildOrderPayload(result.Order),
		Refund: buildRefundPayload(result.RefundOutcome),
	})
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req updateStatusRequest
	if !decodeOptionalBody(ctx, w, r, &req) {
		return
	}

	cmd := services.UpdateOrderStatusCommand{
		OrderID: orderID,
		Actor:   requestActor(r),
		Reason:  strings.TrimSpace(req.Reason),
	}
	if req.Status != nil {
		status := services.OrderStatus(strings.ToLower(strings.TrimSpace(*req.Status)))
		cmd.Status = &status
	}
	if req.PaymentStatus != nil {
		status := services.PaymentStatus(strings.ToLower(strings.TrimSpace(*req.PaymentStatus)))
		cmd.PaymentStatus = &status
	}
	if req.FulfillmentStatus != nil {
		status := services.FulfillmentStatus(strings.ToLower(strings.TrimSpace(*req.FulfillmentStatus)))
		cmd.FulfillmentStatus = &status
	}

	result, err := h.orders.UpdateStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, cancellationResponse{
		Order:  buildOrderPayload(result.Order),
		Refund: buildRefundPayload(result.RefundOutcome),
	})
}

func (h *OrderHandlers) retryRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	outcome, err := h.orders.RetryRefund(ctx, services.RetryRefundCommand{
		OrderID: orderID,
		Actor:   requestActor(r),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, refundRetryResponse{Refund: *buildRefundPayload(&outcome)})
}

func (h *OrderHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	h.serveHistory(w, r, false)
}

func (h *OrderHandlers) listRefundHistory(w http.ResponseWriter, r *http.Request) {
	h.serveHistory(w, r, true)
}

func (h *OrderHandlers) serveHistory(w http.ResponseWriter, r *http.Request, refundsOnly bool) {
	ctx := r.Context()
	if h.history == nil {
		httpx.WriteError(ctx, w, httpx.NewError("history_service_unavailable", "status history service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	query := r.URL.Query()
	pageSize, ok := parsePageSize(query.Get("page_size"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}
	pager := services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}

	var (
		page domain.CursorPage[domain.StatusHistoryEntry]
		err  error
	)
	if refundsOnly {
		page, err = h.history.ListRefundRelevant(ctx, orderID, pager)
	} else {
		page, err = h.history.ListForOrder(ctx, orderID, pager)
	}
	if err != nil {
		writeHistoryError(ctx, w, err)
		return
	}

	items := make([]historyEntryPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, buildHistoryEntry(entry))
	}

	httpx.WriteJSON(w, http.StatusOK, historyListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func requestActor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(actorHeader))
}

func parsePageSize(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultOrderPageSize, true
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	switch {
	case size <= 0:
		return defaultOrderPageSize, true
	case size > maxOrderPageSize:
		return maxOrderPageSize, true
	default:
		return size, true
	}
}

func parseFilterValues(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" {
				out = append(out, part)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseTimeParam(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339, raw)
}

// decodeOptionalBody parses an optional JSON body into dst. It writes the
// error response itself and reports whether the caller may proceed.
func decodeOptionalBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		} else {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
	}
}

func writeHistoryError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrHistoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
	}
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID                string `json:"id"`
	OrderNumber       string `json:"order_number"`
	Status            string `json:"status"`
	PaymentStatus     string `json:"payment_status"`
	FulfillmentStatus string `json:"fulfillment_status"`
	Currency          string `json:"currency"`
	Total             string `json:"total"`
	CreatedAt         string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type cancellationResponse struct {
	Order  orderPayload   `json:"order"`
	Refund *refundPayload `json:"refund,omitempty"`
}

type refundRetryResponse struct {
	Refund refundPayload `json:"refund"`
}

type refundPayload struct {
	Success  bool   `json:"success"`
	RefundID string `json:"refund_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

type orderPayload struct {
	ID                string             `json:"id"`
	OrderNumber       string             `json:"order_number"`
	Status            string             `json:"status"`
	PaymentStatus     string             `json:"payment_status"`
	FulfillmentStatus string             `json:"fulfillment_status"`
	PaymentProvider   string             `json:"payment_provider,omitempty"`
	PaymentRef        string             `json:"payment_ref,omitempty"`
	Currency          string             `json:"currency"`
	Subtotal          string             `json:"subtotal"`
	ShippingTotal     string             `json:"shipping_total"`
	TaxTotal          string             `json:"tax_total"`
	Total             string             `json:"total"`
	CustomerEmail     string             `json:"customer_email,omitempty"`
	Items             []orderItemPayload `json:"items"`
	CreatedAt         string             `json:"created_at"`
	UpdatedAt         string             `json:"updated_at"`
	PaidAt            string             `json:"paid_at,omitempty"`
	CancelledAt       string             `json:"cancelled_at,omitempty"`
}

type orderItemPayload struct {
	ID        string `json:"id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Total     string `json:"total"`
}

type historyListResponse struct {
	Items         []historyEntryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type historyEntryPayload struct {
	ID            string `json:"id"`
	OrderID       string `json:"order_id"`
	Field         string `json:"field"`
	PreviousValue string `json:"previous_value"`
	NewValue      string `json:"new_value"`
	Actor         string `json:"actor"`
	Reason        string `json:"reason,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func buildOrderSummary(order domain.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:                order.ID,
		OrderNumber:       order.OrderNumber,
		Status:            string(order.Status),
		PaymentStatus:     string(order.PaymentStatus),
		FulfillmentStatus: string(order.FulfillmentStatus),
		Currency:          order.Currency,
		Total:             order.Total,
		CreatedAt:         order.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ID:        item.ID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}

	payload := orderPayload{
		ID:                order.ID,
		OrderNumber:       order.OrderNumber,
		Status:            string(order.Status),
		PaymentStatus:     string(order.PaymentStatus),
		FulfillmentStatus: string(order.FulfillmentStatus),
		Currency:          order.Currency,
		Subtotal:          order.Subtotal,
		ShippingTotal:     order.ShippingTotal,
		TaxTotal:          order.TaxTotal,
		Total:             order.Total,
		CustomerEmail:     order.CustomerEmail,
		Items:             items,
		CreatedAt:         order.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         order.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if order.PaymentProvider != nil {
		payload.PaymentProvider = *order.PaymentProvider
	}
	if order.PaymentRef != nil {
		payload.PaymentRef = *order.PaymentRef
	}
	if order.PaidAt != nil {
		payload.PaidAt = order.PaidAt.UTC().Format(time.RFC3339)
	}
	if order.CancelledAt != nil {
		payload.CancelledAt = order.CancelledAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func buildRefundPayload(outcome *services.RefundOutcome) *refundPayload {
	if outcome == nil {
		return nil
	}
	return &refundPayload{
		Success:  outcome.Success,
		RefundID: outcome.RefundID,
		Error:    outcome.Error,
	}
}

func buildHistoryEntry(entry domain.StatusHistoryEntry) historyEntryPayload {
	return historyEntryPayload{
		ID:            entry.ID,
		OrderID:       entry.OrderID,
		Field:         string(entry.Field),
		PreviousValue: entry.PreviousValue,
		NewValue:      entry.NewValue,
		Actor:         entry.Actor,
		Reason:        entry.Reason,
		CreatedAt:     entry.CreatedAt.UTC().Format(time.RFC3339),
	}
}
