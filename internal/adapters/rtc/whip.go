package rtc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dkeye/Breakout/internal/domain"
)

const maxAnswerSize = 1 << 20

// whipClient posts an SDP offer to the media endpoint and receives the
// answer plus the resource URL used to end the session.
type whipClient struct {
	http *http.Client
}

func (w whipClient) publish(ctx context.Context, endpoint, token, offer string) (answer, resource string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerSize))
	if err != nil {
		return "", "", fmt.Errorf("%w: read answer: %v", domain.ErrConnection, err)
	}
	if err := statusError(resp.StatusCode); err != nil {
		return "", "", fmt.Errorf("offer to %s: %w", endpoint, err)
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", "", fmt.Errorf("%w: answer without Location", domain.ErrConnection)
	}
	resource, err = resolve(endpoint, loc)
	if err != nil {
		return "", "", err
	}
	return string(body), resource, nil
}

func (w whipClient) remove(ctx context.Context, resource, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return statusError(resp.StatusCode)
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fmt.Errorf("%w: media endpoint returned %d", domain.ErrUnauthorized, code)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: media endpoint returned %d", domain.ErrNotFound, code)
	}
	return fmt.Errorf("%w: media endpoint returned %d", domain.ErrConnection, code)
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: bad endpoint: %v", domain.ErrConnection, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: bad Location: %v", domain.ErrConnection, err)
	}
	return b.ResolveReference(r).String(), nil
}
