package adaptor

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"

	"github.com/Laisky/errors/v2"

	"github.com/fluxgate/fluxgate/common/config"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

// httpClient is shared by all adaptors. There is no overall client
// timeout because streamed responses are long-lived; the connect and
// first-byte bounds live on the transport and the between-chunks bound
// on the stream watchdog.
var httpClient = &http.Client{
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: config.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   config.ConnectTimeout,
		ResponseHeaderTimeout: config.FirstByteTimeout,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		ForceAttemptHTTP2:     true,
	},
}

// doJSON posts a JSON body and classifies transport and status failures.
// On success the caller owns resp.Body.
func doJSON(ctx context.Context, method string, url string, headers map[string]string, body []byte) (*http.Response, *relaymodel.GatewayError) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrInternal, err, "build upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, string(b), resp.Header.Get("Retry-After"))
	}
	return resp, nil
}

func classifyTransportError(ctx context.Context, err error) *relaymodel.GatewayError {
	if ctx.Err() == context.Canceled {
		return relaymodel.WrapError(relaymodel.ErrClientCancelled, err, "request cancelled")
	}
	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || ctx.Err() == context.DeadlineExceeded {
		return relaymodel.WrapError(relaymodel.ErrUpstreamTimeout, err, "upstream timed out")
	}
	return relaymodel.WrapError(relaymodel.ErrUpstream5xx, err, "upstream connection failed")
}
