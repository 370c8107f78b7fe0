package api

import (
	"encoding/json"
	goerrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/openbatch/ft-sender/internal/errors"
	"github.com/openbatch/ft-sender/internal/queue"
	"github.com/openbatch/ft-sender/internal/types"
)

// ItemHandler returns a single item by id.
func (s *Server) ItemHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	id, err := pathID(r)
	if err != nil {
		return nil, err
	}

	item, err := s.queue.GetItem(r.Context(), id)
	if err != nil {
		if isErr(err, queue.ErrNotFound) {
			return nil, errors.New(errors.CodeNotFound, "item not found", err)
		}
		return nil, err
	}

	return item, nil
}

// ItemsHandler lists items, optionally filtered by receiver and
// stalled state.
func (s *Server) ItemsHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	filter := queue.ItemFilter{
		Receiver: r.URL.Query().Get("receiver"),
	}

	if stalled := r.URL.Query().Get("stalled"); stalled != "" {
		value, err := strconv.ParseBool(stalled)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidRequest,
				"stalled must be a boolean", err)
		}
		filter.Stalled = &value
	}

	items, err := s.queue.ListItems(r.Context(), filter)
	if err != nil {
		return nil, err
	}

	if items == nil {
		items = []types.Item{}
	}

	return items, nil
}

// UnstallHandler returns a single stalled item to pending.
func (s *Server) UnstallHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	id, err := pathID(r)
	if err != nil {
		return nil, err
	}

	changed, err := s.queue.Unstall(r.Context(), id)
	if err != nil {
		return nil, err
	}

	s.log.Info("Unstall request", "item", id, "changed", changed)

	return map[string]bool{"changed": changed}, nil
}

// UnstallManyHandler unstalls a list of items.
func (s *Server) UnstallManyHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	var request struct {
		IDs []int64 `json:"ids"`
	}

	if err := json.Unmarshal(bodyBytes, &request); err != nil {
		return nil, errors.New(errors.CodeInvalidRequest,
			"request unmarshalling error", err)
	}

	count, err := s.queue.UnstallMany(r.Context(), request.IDs)
	if err != nil {
		return nil, err
	}

	s.log.Info("Unstall request", "requested", len(request.IDs), "changed", count)

	return map[string]int64{"count": count}, nil
}

// UnstallAllHandler unstalls every stalled item.
func (s *Server) UnstallAllHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	count, err := s.queue.UnstallAll(r.Context())
	if err != nil {
		return nil, err
	}

	s.log.Info("Unstalled all items", "count", count)

	return map[string]int64{"count": count}, nil
}

// StatsHandler returns queue depth per state.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, errors.New(errors.CodeInvalidRequest,
			"id must be an integer", err)
	}

	return id, nil
}

func isErr(err, target error) bool {
	return goerrors.Is(err, target)
}
