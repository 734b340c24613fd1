package binancef

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"perpgrid/internal/core"
)

const (
	apiCodeTooManyRequests  = -1003
	apiCodeNewOrderRejected = -2010
	apiCodeCancelRejected   = -2011
	apiCodeOrderNotFound    = -2013
	apiCodePostOnlyReject   = -5022
)

func parseAPIError(status int, retryAfter string, body []byte) error {
	if status == 429 || status == 418 {
		return &core.RateLimitError{RetryAfter: parseRetryAfter(retryAfter)}
	}
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return classifyAPIError(APIError{Code: apiErr.Code, Msg: apiErr.Msg})
	}
	if status/100 == 5 {
		return fmt.Errorf("%w: binance futures http error %d: %s",
			core.ErrTransient, status, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("binance futures http error %d: %s", status, strings.TrimSpace(string(body)))
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func classifyAPIError(apiErr APIError) error {
	switch apiErr.Code {
	case apiCodeTooManyRequests:
		return &core.RateLimitError{}
	case apiCodeOrderNotFound, apiCodeCancelRejected:
		return errors.Join(apiErr, core.ErrOrderNotFound)
	case apiCodePostOnlyReject:
		return errors.Join(apiErr, core.ErrOrderRejected)
	case apiCodeNewOrderRejected:
		if strings.Contains(normalizeAPIErrorMsg(apiErr.Msg), "duplicate") {
			return errors.Join(apiErr, core.ErrDuplicateOrder)
		}
		return errors.Join(apiErr, core.ErrOrderRejected)
	}
	return apiErr
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
