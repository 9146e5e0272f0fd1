// Пакет remote — GraphQL-клиент удалённой системы досок.
// Один вызов — один HTTP-запрос; повторы выполняет вызывающая сторона.
// Ошибки классифицируются по видам syncerr: transport, remote_rejected, rate_limited.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arunponnappan/boardsync/internal/domain/syncerr"
)

var (
	remoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardsync_remote_requests_total",
		Help: "Количество запросов к удалённому API по операциям и результату",
	}, []string{"operation", "outcome"})

	remoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "boardsync_remote_request_duration_seconds",
		Help:    "Длительность запросов к удалённому API",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"operation"})
)

// Ограничение тела ответа об ошибке, попадающего в сообщение.
const maxErrorBody = 2048

// коды GraphQL-ошибок, означающие исчерпание лимитов
var rateLimitCodes = map[string]bool{
	"ComplexityException":         true,
	"COMPLEXITY_BUDGET_EXHAUSTED": true,
	"RATE_LIMIT_EXCEEDED":         true,
	"maxConcurrencyExceeded":      true,
}

// Config — параметры клиента.
type Config struct {
	// Endpoint — адрес GraphQL API
	Endpoint string
	// APIKey — значение заголовка Authorization
	APIKey string
	// APIVersion — значение заголовка API-Version
	APIVersion string
	// Timeout — таймаут одного запроса
	Timeout time.Duration
	// CACertPath — CA-сертификат для TLS (пустая строка — системный пул)
	CACertPath string
}

// Client — клиент удалённого API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент удалённого API.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	if cfg.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата удалённого API: %w", err)
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		logger.Info("CA-сертификат удалённого API добавлен в пул доверия",
			slog.String("ca_cert", cfg.CACertPath),
		)
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "remote_client")),
	}, nil
}

func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("файл %s не содержит PEM-сертификатов", caCertPath)
	}
	return &tls.Config{RootCAs: pool}, nil
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code           string `json:"code"`
		RetryInSeconds int    `json:"retry_in_seconds"`
	} `json:"extensions"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
	// устаревший формат ошибок
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Execute выполняет GraphQL-запрос и возвращает поле data.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	return c.execute(ctx, "execute", query, variables)
}

func (c *Client) execute(ctx context.Context, op, query string, variables map[string]any) (json.RawMessage, error) {
	start := time.Now()
	data, err := c.roundTrip(ctx, op, query, variables)
	remoteRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = string(syncerr.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		c.logger.Debug("Запрос к удалённому API завершился ошибкой",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
	}
	remoteRequestsTotal.WithLabelValues(op, outcome).Inc()
	return data, err
}

func (c *Client) roundTrip(ctx context.Context, op, query string, variables map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("%s: сериализация запроса: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: создание запроса: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.cfg.APIKey)
	if c.cfg.APIVersion != "" {
		req.Header.Set("API-Version", c.cfg.APIVersion)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransport, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransport, op, fmt.Errorf("чтение ответа: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &syncerr.Error{
			Kind:       syncerr.KindRateLimited,
			Op:         op,
			Message:    "превышен лимит запросов: " + truncate(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return nil, syncerr.New(syncerr.KindTransport, op,
			fmt.Sprintf("API вернул статус %d: %s", resp.StatusCode, truncate(raw)))
	case resp.StatusCode >= 300:
		return nil, syncerr.New(syncerr.KindRemoteRejected, op,
			fmt.Sprintf("API вернул статус %d: %s", resp.StatusCode, truncate(raw)))
	}

	var gr graphqlResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransport, op, fmt.Errorf("декодирование ответа: %w", err))
	}

	if len(gr.Errors) > 0 {
		return nil, classifyGraphQLErrors(op, gr.Errors)
	}
	if gr.ErrorCode != "" || gr.ErrorMessage != "" {
		kind := syncerr.KindRemoteRejected
		if rateLimitCodes[gr.ErrorCode] {
			kind = syncerr.KindRateLimited
		}
		return nil, syncerr.New(kind, op, fmt.Sprintf("%s: %s", gr.ErrorCode, gr.ErrorMessage))
	}

	return gr.Data, nil
}

func classifyGraphQLErrors(op string, errs []graphqlError) error {
	msg := errs[0].Message
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (и ещё %d)", msg, len(errs)-1)
	}

	for _, e := range errs {
		if rateLimitCodes[e.Extensions.Code] {
			return &syncerr.Error{
				Kind:       syncerr.KindRateLimited,
				Op:         op,
				Message:    msg,
				RetryAfter: time.Duration(e.Extensions.RetryInSeconds) * time.Second,
			}
		}
	}
	return syncerr.New(syncerr.KindRemoteRejected, op, "ошибка GraphQL: "+msg)
}

// parseRetryAfter разбирает Retry-After в секундах или в формате HTTP-даты.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
