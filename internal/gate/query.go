package gate

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/shaunagostinho/gpsgate/internal/gps"
)

var ErrUnknownKind = errors.New("gate: unknown request kind")

const (
	defaultLocationKey = "ll"
	defaultAccuracyKey = "llAcc"
)

// QueryFormatter formats a location as "lat,lon" query parameters on top of
// static per-kind parameters.
type QueryFormatter struct {
	// Kinds holds the static parameters of each known kind. A nil map
	// accepts any kind with no static parameters.
	Kinds map[RequestKind]url.Values

	Key         string // defaults to "ll"
	AccuracyKey string // defaults to "llAcc"

	// Absent is written under Key when no location is known. Empty omits
	// the key.
	Absent string
}

func (q QueryFormatter) FormatRequest(kind RequestKind, loc *gps.Location) (url.Values, error) {
	var base url.Values
	if q.Kinds != nil {
		var ok bool
		if base, ok = q.Kinds[kind]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
	}

	out := make(url.Values, len(base)+2)
	for k, v := range base {
		out[k] = append([]string(nil), v...)
	}

	key := q.Key
	if key == "" {
		key = defaultLocationKey
	}
	if loc == nil {
		if q.Absent != "" {
			out.Set(key, q.Absent)
		}
		return out, nil
	}

	out.Set(key, strconv.FormatFloat(loc.Latitude, 'f', 6, 64)+","+
		strconv.FormatFloat(loc.Longitude, 'f', 6, 64))
	if loc.Accuracy > 0 {
		accKey := q.AccuracyKey
		if accKey == "" {
			accKey = defaultAccuracyKey
		}
		out.Set(accKey, strconv.FormatFloat(loc.Accuracy, 'f', 1, 64))
	}
	return out, nil
}
