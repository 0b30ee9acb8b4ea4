// Package venue implements the Coincall REST and WebSocket clients.
//
// The REST client (Client) covers everything the daemon needs from the venue:
//   - PlaceOrder / CancelOrder / GetOrder   — option order management
//   - CreateRFQ / GetRFQQuotes / AcceptQuote / CancelRFQ — block trades
//   - GetPositions / GetAccountSummary      — account state
//   - GetOrderbook / GetOptionDetails / GetInstruments / GetFuturesPrice
//
// Every request is signed with HMAC headers (see Auth), sent with a 30 s
// timeout, and automatically retried on transport errors and 5xx responses.
// Venue-side rejections arrive as a non-zero code in the response envelope
// and surface as *APIError.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"coincall-trader/internal/config"
	"coincall-trader/pkg/types"
)

// binanceFuturesURL is the fallback source for the futures index price.
const binanceFuturesURL = "https://fapi.binance.com"

// APIError is a venue-side rejection: the HTTP exchange succeeded but the
// response envelope carried a non-zero code.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Msg)
}

// envelope is the uniform Coincall response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client is the Coincall REST API client.
type Client struct {
	http    *resty.Client
	binance *resty.Client
	auth    *Auth
	limits  *Limiter
	dryRun  bool
	logger  *slog.Logger

	dryOrderSeq atomic.Int64 // synthetic order IDs in dry-run mode
}

// NewClient creates a REST client with retry and request signing.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Venue.BaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	binance := resty.New().
		SetBaseURL(binanceFuturesURL).
		SetTimeout(5 * time.Second)

	return &Client{
		http:    httpClient,
		binance: binance,
		auth:    NewAuth(cfg.Venue.APIKey, cfg.Venue.APISecret),
		limits:  NewLimiter(),
		dryRun:  cfg.DryRun,
		logger:  logger.With("component", "venue"),
	}
}

// get performs a signed GET and decodes the envelope's data into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	if err := c.limits.Data.Wait(ctx); err != nil {
		return err
	}
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers("GET", path, nil)).
		SetResult(&env).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return c.decode(path, resp, &env, out)
}

// post performs a signed JSON POST and decodes the envelope's data into out.
func (c *Client) post(ctx context.Context, path string, params map[string]any, out any) error {
	if err := c.limits.Trade.Wait(ctx); err != nil {
		return err
	}
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers("POST", path, params)).
		SetHeader("Content-Type", "application/json").
		SetBody(params).
		SetResult(&env).
		Post(path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return c.decode(path, resp, &env, out)
}

// postForm performs a signed form-urlencoded POST. The RFQ accept and cancel
// endpoints require this content type; the form fields are signed the same
// way as JSON params.
func (c *Client) postForm(ctx context.Context, path string, fields map[string]string, out any) error {
	if err := c.limits.Trade.Wait(ctx); err != nil {
		return err
	}
	params := make(map[string]any, len(fields))
	for k, v := range fields {
		params[k] = v
	}

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers("POST", path, params)).
		SetFormData(fields).
		SetResult(&env).
		Post(path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return c.decode(path, resp, &env, out)
}

func (c *Client) decode(path string, resp *resty.Response, env *envelope, out any) error {
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", path, err)
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder submits a single option order and returns the venue order ID.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	if c.dryRun {
		id := fmt.Sprintf("dry-run-%d", c.dryOrderSeq.Add(1))
		c.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "side", req.Side, "qty", req.Qty, "price", req.Price)
		return id, nil
	}

	params := map[string]any{
		"symbol":    req.Symbol,
		"qty":       req.Qty,
		"tradeSide": req.Side.TradeSideCode(),
		"tradeType": types.TradeTypeLimit,
	}
	if req.Market {
		params["tradeType"] = types.TradeTypeMarket
	} else {
		params["price"] = req.Price
	}
	if req.ClientOrderID != "" {
		if id, err := strconv.ParseInt(req.ClientOrderID, 10, 64); err == nil {
			params["clientOrderId"] = id
		}
	}

	// The create endpoint returns the order ID directly in data.
	var orderID json.Number
	if err := c.post(ctx, "/open/option/order/create/v1", params, &orderID); err != nil {
		return "", fmt.Errorf("place order %s: %w", req.Symbol, err)
	}
	if orderID.String() == "" {
		return "", fmt.Errorf("place order %s: no order ID in response", req.Symbol)
	}

	c.logger.Info("order placed",
		"order_id", orderID.String(), "symbol", req.Symbol, "side", req.Side, "qty", req.Qty)
	return orderID.String(), nil
}

// CancelOrder cancels a single order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.post(ctx, "/open/option/order/cancel/v1", map[string]any{"orderId": orderID}, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// orderRow is the venue's order payload shape.
type orderRow struct {
	OrderID   json.Number `json:"orderId"`
	Symbol    string      `json:"symbol"`
	Qty       string      `json:"qty"`
	FillQty   string      `json:"fillQty"`
	RemainQty string      `json:"remainQty"`
	Price     string      `json:"price"`
	AvgPrice  string      `json:"avgPrice"`
	State     int         `json:"state"`
	TradeSide int         `json:"tradeSide"`
}

// GetOrder fetches the current status of a single order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OrderStatus, error) {
	var row orderRow
	path := fmt.Sprintf("/open/option/order/%s/v1", orderID)
	if err := c.get(ctx, path, &row); err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}

	side := types.BUY
	if row.TradeSide == types.TradeSideSell {
		side = types.SELL
	}
	return &types.OrderStatus{
		OrderID:   row.OrderID.String(),
		Symbol:    row.Symbol,
		Qty:       parseDecimal(row.Qty),
		FillQty:   parseDecimal(row.FillQty),
		RemainQty: parseDecimal(row.RemainQty),
		Price:     parseDecimal(row.Price),
		AvgPrice:  parseDecimal(row.AvgPrice),
		State:     types.OrderState(row.State),
		Side:      side,
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Block trades (RFQ)
// ————————————————————————————————————————————————————————————————————————

// rfqLegPayload is one leg in an RFQ create request.
type rfqLegPayload struct {
	InstrumentName string `json:"instrumentName"`
	Side           string `json:"side"`
	Qty            string `json:"qty"`
}

// CreateRFQ submits a block-quote request for the given legs.
func (c *Client) CreateRFQ(ctx context.Context, legs []types.Leg) (*types.RFQRequest, error) {
	payload := make([]rfqLegPayload, len(legs))
	for i, leg := range legs {
		payload[i] = rfqLegPayload{
			InstrumentName: leg.Symbol,
			Side:           string(leg.Side),
			Qty:            leg.Qty.String(),
		}
	}

	var data struct {
		RequestID  json.Number `json:"requestId"`
		State      string      `json:"state"`
		ExpiryTime int64       `json:"expiryTime"`
	}
	err := c.post(ctx, "/open/option/blocktrade/request/create/v1", map[string]any{"legs": payload}, &data)
	if err != nil {
		return nil, fmt.Errorf("create rfq: %w", err)
	}
	if data.RequestID.String() == "" {
		return nil, fmt.Errorf("create rfq: no request ID in response")
	}

	c.logger.Info("RFQ created",
		"request_id", data.RequestID.String(), "state", data.State, "expiry_ms", data.ExpiryTime)
	return &types.RFQRequest{
		RequestID:  data.RequestID.String(),
		State:      data.State,
		ExpiryTime: data.ExpiryTime,
	}, nil
}

// quoteRow is one market-maker quote in the getQuotesReceived response.
type quoteRow struct {
	QuoteID    json.Number   `json:"quoteId"`
	RequestID  json.Number   `json:"requestId"`
	State      string        `json:"state"`
	Legs       []quoteLegRow `json:"legs"`
	CreateTime int64         `json:"createTime"`
	ExpiryTime int64         `json:"expiryTime"`
}

type quoteLegRow struct {
	InstrumentName string      `json:"instrumentName"`
	Side           string      `json:"side"`
	Qty            json.Number `json:"qty"`
	Quantity       json.Number `json:"quantity"`
	Price          json.Number `json:"price"`
}

// GetRFQQuotes fetches all quotes received so far for an RFQ request.
func (c *Client) GetRFQQuotes(ctx context.Context, requestID string) ([]types.Quote, error) {
	var rows []quoteRow
	path := "/open/option/blocktrade/request/getQuotesReceived/v1?requestId=" + requestID
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, fmt.Errorf("get rfq quotes %s: %w", requestID, err)
	}

	quotes := make([]types.Quote, 0, len(rows))
	for _, row := range rows {
		q := types.Quote{
			QuoteID:    row.QuoteID.String(),
			RequestID:  row.RequestID.String(),
			State:      row.State,
			CreateTime: row.CreateTime,
			ExpiryTime: row.ExpiryTime,
		}
		for _, leg := range row.Legs {
			qty := leg.Qty
			if qty.String() == "" {
				qty = leg.Quantity
			}
			q.Legs = append(q.Legs, types.QuoteLeg{
				Symbol: leg.InstrumentName,
				Side:   types.Side(leg.Side),
				Qty:    parseDecimal(qty.String()),
				Price:  parseDecimal(leg.Price.String()),
			})
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// AcceptQuote accepts a market maker's quote for an RFQ request.
func (c *Client) AcceptQuote(ctx context.Context, requestID, quoteID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would accept quote", "request_id", requestID, "quote_id", quoteID)
		return nil
	}
	fields := map[string]string{"requestId": requestID, "quoteId": quoteID}
	if err := c.postForm(ctx, "/open/option/blocktrade/request/accept/v1", fields, nil); err != nil {
		return fmt.Errorf("accept quote %s: %w", quoteID, err)
	}
	c.logger.Info("quote accepted", "request_id", requestID, "quote_id", quoteID)
	return nil
}

// CancelRFQ cancels an open RFQ request.
func (c *Client) CancelRFQ(ctx context.Context, requestID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel RFQ", "request_id", requestID)
		return nil
	}
	fields := map[string]string{"requestId": requestID}
	if err := c.postForm(ctx, "/open/option/blocktrade/request/cancel/v1", fields, nil); err != nil {
		return fmt.Errorf("cancel rfq %s: %w", requestID, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

// AccountSummary is the raw margin/equity view from the venue.
type AccountSummary struct {
	Equity            decimal.Decimal
	AvailableMargin   decimal.Decimal
	InitialMargin     decimal.Decimal
	MaintenanceMargin decimal.Decimal
	UnrealizedPnL     decimal.Decimal
}

// GetAccountSummary fetches equity and margin figures.
func (c *Client) GetAccountSummary(ctx context.Context) (*AccountSummary, error) {
	var data struct {
		Equity          json.Number `json:"equity"`
		AvailableMargin json.Number `json:"availableMargin"`
		IMAmount        json.Number `json:"imAmount"`
		MMAmount        json.Number `json:"mmAmount"`
		UnrealizedPnL   json.Number `json:"unrealizedPnL"`
	}
	if err := c.get(ctx, "/open/account/summary/v1", &data); err != nil {
		return nil, fmt.Errorf("account summary: %w", err)
	}
	return &AccountSummary{
		Equity:            parseDecimal(data.Equity.String()),
		AvailableMargin:   parseDecimal(data.AvailableMargin.String()),
		InitialMargin:     parseDecimal(data.IMAmount.String()),
		MaintenanceMargin: parseDecimal(data.MMAmount.String()),
		UnrealizedPnL:     parseDecimal(data.UnrealizedPnL.String()),
	}, nil
}

// positionRow is one venue position in the position list response.
type positionRow struct {
	PositionID json.Number `json:"positionId"`
	Symbol     string      `json:"symbol"`
	Qty        json.Number `json:"qty"`
	AvgPrice   json.Number `json:"avgPrice"`
	MarkPrice  json.Number `json:"markPrice"`
	UpnlByMark json.Number `json:"upnlByMarkPrice"`
	ROIByMark  json.Number `json:"roiByMarkPrice"`
	TradeSide  int         `json:"tradeSide"`
	Delta      json.Number `json:"delta"`
	Gamma      json.Number `json:"gamma"`
	Theta      json.Number `json:"theta"`
	Vega       json.Number `json:"vega"`
}

// GetPositions fetches all open option positions.
func (c *Client) GetPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	var rows []positionRow
	if err := c.get(ctx, "/open/option/position/get/v1", &rows); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}

	now := time.Now()
	positions := make([]types.PositionSnapshot, 0, len(rows))
	for _, row := range rows {
		sideLabel := "long"
		if row.TradeSide == types.TradeSideSell {
			sideLabel = "short"
		}
		positions = append(positions, types.PositionSnapshot{
			ID:            row.PositionID.String(),
			Symbol:        row.Symbol,
			Qty:           parseDecimal(row.Qty.String()).Abs(),
			SideLabel:     sideLabel,
			EntryPrice:    parseDecimal(row.AvgPrice.String()),
			MarkPrice:     parseDecimal(row.MarkPrice.String()),
			UnrealizedPnL: parseDecimal(row.UpnlByMark.String()),
			ROI:           parseFloat(row.ROIByMark),
			Delta:         parseFloat(row.Delta),
			Gamma:         parseFloat(row.Gamma),
			Theta:         parseFloat(row.Theta),
			Vega:          parseFloat(row.Vega),
			Timestamp:     now,
		})
	}
	return positions, nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// GetOrderbook fetches the 100-level depth for one option symbol.
func (c *Client) GetOrderbook(ctx context.Context, symbol string) (*types.Orderbook, error) {
	var data struct {
		Bids []types.PriceLevel `json:"bids"`
		Asks []types.PriceLevel `json:"asks"`
	}
	path := "/open/option/order/orderbook/v1/" + symbol
	if err := c.get(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("orderbook %s: %w", symbol, err)
	}
	return &types.Orderbook{
		Symbol:    symbol,
		Bids:      data.Bids,
		Asks:      data.Asks,
		Timestamp: time.Now(),
	}, nil
}

// GetOptionDetails fetches Greeks and pricing for one option symbol.
func (c *Client) GetOptionDetails(ctx context.Context, symbol string) (*types.OptionDetails, error) {
	var data struct {
		Delta             json.Number `json:"delta"`
		Gamma             json.Number `json:"gamma"`
		Theta             json.Number `json:"theta"`
		Vega              json.Number `json:"vega"`
		Bid               json.Number `json:"bid"`
		Ask               json.Number `json:"ask"`
		MarkPrice         json.Number `json:"markPrice"`
		ImpliedVolatility json.Number `json:"impliedVolatility"`
	}
	path := "/open/option/detail/v1/" + symbol
	if err := c.get(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("option details %s: %w", symbol, err)
	}
	return &types.OptionDetails{
		Symbol:            symbol,
		Delta:             parseFloat(data.Delta),
		Gamma:             parseFloat(data.Gamma),
		Theta:             parseFloat(data.Theta),
		Vega:              parseFloat(data.Vega),
		Bid:               parseDecimal(data.Bid.String()),
		Ask:               parseDecimal(data.Ask.String()),
		MarkPrice:         parseDecimal(data.MarkPrice.String()),
		ImpliedVolatility: parseFloat(data.ImpliedVolatility),
	}, nil
}

// GetInstruments fetches the full option chain for an underlying.
func (c *Client) GetInstruments(ctx context.Context, underlying string) ([]types.Instrument, error) {
	var rows []types.Instrument
	if err := c.get(ctx, "/open/option/getInstruments/"+underlying, &rows); err != nil {
		return nil, fmt.Errorf("instruments %s: %w", underlying, err)
	}
	return rows, nil
}

// GetFuturesPrice fetches the perpetual futures price for an underlying,
// falling back to Binance when the venue's ticker is unavailable.
func (c *Client) GetFuturesPrice(ctx context.Context, underlying string) (decimal.Decimal, error) {
	pair := underlying + "USDT"

	var data struct {
		LastPrice json.Number `json:"lastPrice"`
		Price     json.Number `json:"price"`
		MarkPrice json.Number `json:"markPrice"`
	}
	err := c.get(ctx, "/open/futures/ticker/"+pair, &data)
	if err == nil {
		for _, field := range []json.Number{data.LastPrice, data.Price, data.MarkPrice} {
			if p := parseDecimal(field.String()); p.IsPositive() {
				return p, nil
			}
		}
		err = fmt.Errorf("futures ticker %s: no usable price field", pair)
	}
	c.logger.Warn("venue futures price failed, trying binance", "error", err)

	var tick struct {
		Price json.Number `json:"price"`
	}
	resp, berr := c.binance.R().
		SetContext(ctx).
		SetQueryParam("symbol", pair).
		SetResult(&tick).
		Get("/fapi/v1/ticker/price")
	if berr != nil {
		return decimal.Zero, fmt.Errorf("futures price %s: %w (binance: %v)", pair, err, berr)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("futures price %s: %w (binance status %d)", pair, err, resp.StatusCode())
	}
	if p := parseDecimal(tick.Price.String()); p.IsPositive() {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("futures price %s: no source available", pair)
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseFloat(n json.Number) float64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}
