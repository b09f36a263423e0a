package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// ErrNoUsageHeaders is returned when a response carries none of the usage
// headers.
var ErrNoUsageHeaders = errors.New("no usage headers")

// ParseHeaders decodes the usage headers of a response. It returns
// ErrNoUsageHeaders when none are present and a wrapped decode error when any
// present header is malformed.
func ParseHeaders(headers http.Header, now time.Time) (*RemoteUsage, error) {
	appRaw := headers.Get(HeaderAppUsage)
	accRaw := headers.Get(HeaderAdAccountUsage)
	bucRaw := headers.Get(HeaderBusinessUsage)

	if appRaw == "" && accRaw == "" && bucRaw == "" {
		return nil, ErrNoUsageHeaders
	}

	usage := &RemoteUsage{ObservedAt: now}

	if appRaw != "" {
		var app AppUsage
		if err := json.Unmarshal([]byte(appRaw), &app); err != nil {
			return nil, fmt.Errorf("parse %s header: %w", HeaderAppUsage, err)
		}
		usage.App = &app
	}

	if accRaw != "" {
		var acc AdAccountUsage
		if err := json.Unmarshal([]byte(accRaw), &acc); err != nil {
			return nil, fmt.Errorf("parse %s header: %w", HeaderAdAccountUsage, err)
		}
		usage.AdAccount = &acc
	}

	if bucRaw != "" {
		// {"<business id>": [{...}, ...], ...}
		var byBusiness map[string][]BusinessUsage
		if err := json.Unmarshal([]byte(bucRaw), &byBusiness); err != nil {
			return nil, fmt.Errorf("parse %s header: %w", HeaderBusinessUsage, err)
		}
		ids := make([]string, 0, len(byBusiness))
		for id := range byBusiness {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			for _, entry := range byBusiness[id] {
				entry.BusinessID = id
				usage.Business = append(usage.Business, entry)
			}
		}
	}

	return usage, nil
}
