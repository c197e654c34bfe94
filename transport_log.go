package callkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sign-bridge/callkit/shared"
	"github.com/valyala/fasthttp"
)

// RESTLog talks to the relay's durable signal log over plain HTTP. Appends
// land in persistent storage and are replayed to late subscribers; reads
// back a bounded window for backfill.
type RESTLog struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
	token   string
}

var _ DurableLog = (*RESTLog)(nil)

func NewRESTLog(baseURL, token string, logger shared.LoggerAdapter) (*RESTLog, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing relay URL: %w", err)
	}
	return &RESTLog{logger: logger, baseURL: parsed, token: token}, nil
}

func (l *RESTLog) Append(ctx context.Context, roomID string, sig *Signal) error {
	body, err := sig.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(l.baseURL.JoinPath("/rooms/", roomID, "/signals").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
	req.SetBody(body)

	if err := l.do(ctx, req, resp); err != nil {
		return err
	}
	if resp.StatusCode() != fasthttp.StatusCreated {
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	return nil
}

func (l *RESTLog) Since(ctx context.Context, roomID string, since time.Time) ([]*Signal, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	endpoint := l.baseURL.JoinPath("/rooms/", roomID, "/signals")
	q := endpoint.Query()
	q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	endpoint.RawQuery = q.Encode()

	req.SetRequestURI(endpoint.String())
	req.Header.SetMethod(fasthttp.MethodGet)
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	if err := l.do(ctx, req, resp); err != nil {
		return nil, err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}

	var raws []json.RawMessage
	if err := sonic.Unmarshal(resp.Body(), &raws); err != nil {
		return nil, fmt.Errorf("decoding backfill response: %w", err)
	}
	signals := make([]*Signal, 0, len(raws))
	for _, raw := range raws {
		sig := new(Signal)
		if err := sig.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("decoding backfilled signal: %w", err)
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

func (l *RESTLog) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	return nil
}
