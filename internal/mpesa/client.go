package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"shopd/pkg/logx"
)

const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"

	DefaultTransactionType = "CustomerPayBillOnline"

	// tokenEarlyRefresh renews a token this long before Daraja expires it.
	tokenEarlyRefresh = 60 * time.Second
	timestampLayout   = "20060102150405"
)

// Config is one shortcode's credentials and endpoint.
type Config struct {
	Name            string
	Environment     string // sandbox | production
	BaseURL         string // overrides Environment
	ConsumerKey     string
	ConsumerSecret  string
	Shortcode       string
	Passkey         string
	TransactionType string
	CallbackURL     string

	Timeout    time.Duration
	RatePerSec int
}

func (c Config) baseURL() string {
	if u := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); u != "" {
		return u
	}
	if strings.EqualFold(c.Environment, "production") {
		return ProductionURL
	}
	return SandboxURL
}

// Client talks to Daraja on behalf of one configuration. It is safe for
// concurrent use.
type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if cfg.TransactionType == "" {
		cfg.TransactionType = DefaultTransactionType
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:  cfg,
		base: cfg.baseURL(),
		http: newHTTPClient(cfg.Timeout),
		log:  log.Component("mpesa").With(logx.String("config", cfg.Name)),
		now:  time.Now,
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return c
}

func newHTTPClient(timeout time.Duration) *http.Client {
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Config() Config { return c.cfg }

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   flexInt `json:"expires_in"`
}

// Token returns a cached access token, fetching a new one when the cached
// token is within a minute of expiry.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}
	return c.fetchTokenLocked(ctx)
}

// RefreshToken discards the cached token and fetches a new one.
func (c *Client) RefreshToken(ctx context.Context) (string, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	tok, err := c.fetchTokenLocked(ctx)
	return tok, c.tokenExp, err
}

func (c *Client) fetchTokenLocked(ctx context.Context) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	var out tokenResponse
	if err := c.roundTrip(req, "token", &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", &APIError{Op: "token", Message: "empty access token"}
	}
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.token = out.AccessToken
	c.tokenExp = c.now().Add(ttl - tokenEarlyRefresh)
	c.log.Debug("access token refreshed", logx.Duration("ttl", ttl))
	return c.token, nil
}

// STKPushRequest is the Lipa na M-Pesa Online prompt.
type STKPushRequest struct {
	Phone       string
	Amount      decimal.Decimal
	AccountRef  string
	Description string
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Password returns the STK password and the timestamp it was derived from.
func (c *Client) Password(at time.Time) (password, timestamp string) {
	timestamp = at.In(nairobi).Format(timestampLayout)
	raw := c.cfg.Shortcode + c.cfg.Passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
}

// STKPush sends the payment prompt to the customer's phone.
func (c *Client) STKPush(ctx context.Context, r STKPushRequest) (*STKPushResponse, error) {
	phone, err := NormalizePhone(r.Phone)
	if err != nil {
		return nil, err
	}
	if !r.Amount.IsPositive() || !r.Amount.Equal(r.Amount.Truncate(0)) {
		return nil, ErrInvalidAmount
	}
	password, ts := c.Password(c.now())
	body := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         ts,
		"TransactionType":   c.cfg.TransactionType,
		"Amount":            r.Amount.IntPart(),
		"PartyA":            phone,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  truncate(r.AccountRef, 12),
		"TransactionDesc":   truncate(r.Description, 13),
	}

	var out STKPushResponse
	if err := c.post(ctx, "stkpush", "/mpesa/stkpush/v1/processrequest", body, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return &out, &APIError{Op: "stkpush", Code: out.ResponseCode, Message: out.ResponseDescription}
	}
	c.log.Info("stk push accepted",
		logx.String("checkout_request_id", out.CheckoutRequestID),
		logx.String("phone", maskPhone(phone)),
		logx.String("amount", r.Amount.String()))
	return &out, nil
}

// QueryResult is the answer to an STK status query.
type QueryResult struct {
	Pending           bool
	ResultCode        int
	ResultDesc        string
	MerchantRequestID string
	CheckoutRequestID string
}

type queryResponse struct {
	ResponseCode        string  `json:"ResponseCode"`
	ResponseDescription string  `json:"ResponseDescription"`
	MerchantRequestID   string  `json:"MerchantRequestID"`
	CheckoutRequestID   string  `json:"CheckoutRequestID"`
	ResultCode          flexInt `json:"ResultCode"`
	ResultDesc          string  `json:"ResultDesc"`
}

// QuerySTK asks Daraja for the outcome of a checkout request. A prompt the
// customer has not answered yet yields Pending=true and no error.
func (c *Client) QuerySTK(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	password, ts := c.Password(c.now())
	body := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}
	var out queryResponse
	err := c.post(ctx, "stkquery", "/mpesa/stkpushquery/v1/query", body, &out)
	if IsProcessing(err) {
		return &QueryResult{Pending: true, CheckoutRequestID: checkoutRequestID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &QueryResult{
		ResultCode:        int(out.ResultCode),
		ResultDesc:        out.ResultDesc,
		MerchantRequestID: out.MerchantRequestID,
		CheckoutRequestID: out.CheckoutRequestID,
	}, nil
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	tok, err := c.Token(ctx)
	if err != nil {
		return err
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	err = c.roundTrip(req, op, out)
	if ae, ok := err.(*APIError); ok && ae.HTTPStatus == http.StatusUnauthorized {
		// The token was revoked early; the next call fetches a new one.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
	return err
}

type errorBody struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) roundTrip(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mpesa %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("mpesa %s: read body: %w", op, err)
	}
	if resp.StatusCode/100 != 2 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		ae := &APIError{
			Op:         op,
			HTTPStatus: resp.StatusCode,
			Code:       eb.ErrorCode,
			Message:    eb.ErrorMessage,
			RequestID:  eb.RequestID,
		}
		if ae.Message == "" {
			ae.Message = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			ae.RetryIn = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return ae
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mpesa %s: decode: %w", op, err)
	}
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// flexInt accepts both 0 and "0"; Daraja is not consistent.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", s)
	}
	*f = flexInt(n)
	return nil
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func maskPhone(p string) string {
	if len(p) < 9 {
		return p
	}
	return p[:5] + strings.Repeat("*", len(p)-8) + p[len(p)-3:]
}

var nairobi = loadNairobi()

func loadNairobi() *time.Location {
	if loc, err := time.LoadLocation("Africa/Nairobi"); err == nil {
		return loc
	}
	return time.FixedZone("EAT", 3*60*60)
}
