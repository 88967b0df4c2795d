package linker

import (
	"net/http"
	"strconv"

	"casefile/internal/modkit/httpkit"
	perr "casefile/internal/platform/errors"
	evhttp "casefile/internal/services/events/http"
)

// Register mounts the search endpoint on r
func Register(r httpkit.Router, s *Service) {
	httpkit.Get(r, "/events/search", func(req *http.Request) (any, error) {
		q := req.URL.Query()
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return nil, perr.Validationf("limit must be a positive integer")
			}
			limit = n
		}
		evs, err := s.Search(req.Context(), q.Get("q"), q.Get("source"), q.Get("event_type"), limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": evhttp.ToDTOs(evs)}, nil
	})
}
