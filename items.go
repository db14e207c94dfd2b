package capsulegate

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// ItemsCountHeader lets the downstream handler state how many usable items it
// delivered.
const ItemsCountHeader = "X-Items-Count"

// ItemsCounter reports how many usable items a recorded response carries.
type ItemsCounter func(statusCode int, header http.Header, body []byte) int

// DefaultItemsCounter reads ItemsCountHeader, then a top-level numeric "count"
// field of a JSON body, and otherwise charges a single item.
func DefaultItemsCounter(_ int, header http.Header, body []byte) int {
	if v := strings.TrimSpace(header.Get(ItemsCountHeader)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var payload struct {
			Count *int `json:"count"`
		}
		if err := json.Unmarshal(trimmed, &payload); err == nil && payload.Count != nil && *payload.Count >= 0 {
			return *payload.Count
		}
	}
	return 1
}
