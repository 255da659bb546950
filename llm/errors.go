package llm

import (
	"context"
	"errors"
	"net"

	ant "github.com/anthropics/anthropic-sdk-go"
	oai "github.com/openai/openai-go"
	"google.golang.org/api/googleapi"
)

// IsTransient reports whether a provider error is worth retrying:
// rate limits, 5xx responses, timeouts, and network hiccups.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var status int
	var oaiErr *oai.Error
	var antErr *ant.Error
	var gErr *googleapi.Error
	switch {
	case errors.As(err, &oaiErr):
		status = oaiErr.StatusCode
	case errors.As(err, &antErr):
		status = antErr.StatusCode
	case errors.As(err, &gErr):
		status = gErr.Code
	}
	if status == 408 || status == 429 || status >= 500 {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
