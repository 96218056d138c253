package shared

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-procure/internal/platform/httpx"
)

// ErrMissingActor occurs when a request reaches the API without gateway identity headers.
var ErrMissingActor = fmt.Errorf("actor identity missing: %w", httpx.ErrUnauthorized)
