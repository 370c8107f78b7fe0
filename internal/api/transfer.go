package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/openbatch/ft-sender/internal/errors"
	"github.com/openbatch/ft-sender/internal/queue"
	"github.com/openbatch/ft-sender/internal/types"
)

type enqueueResult struct {
	ID int64 `json:"id"`
}

type groupResult struct {
	ID    int64  `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// TransferHandler enqueues a single transfer request.
func (s *Server) TransferHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	s.log.Info("Accepted a new transfer request")

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Error("Unable to read request body", "error", err)
		return nil, err
	}
	defer r.Body.Close()

	var request types.TransferRequest

	if err := json.Unmarshal(bodyBytes, &request); err != nil {
		return nil, errors.New(errors.CodeInvalidRequest,
			"request unmarshalling error", err)
	}

	id, err := s.queue.Enqueue(r.Context(), request)
	if err != nil {
		return nil, enqueueError(err)
	}

	return enqueueResult{ID: id}, nil
}

// TransfersHandler enqueues a group of transfer requests. Each request
// is enqueued individually; one invalid entry doesn't reject the rest.
func (s *Server) TransfersHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Error("Unable to read request body", "error", err)
		return nil, err
	}
	defer r.Body.Close()

	var requests []types.TransferRequest

	if err := json.Unmarshal(bodyBytes, &requests); err != nil {
		return nil, errors.New(errors.CodeInvalidRequest,
			"request unmarshalling error", err)
	}

	if len(requests) == 0 {
		return nil, errors.New(errors.CodeInvalidRequest,
			"empty transfer group", nil)
	}

	s.log.Info("Accepted a transfer group", "size", len(requests))

	results := make([]groupResult, len(requests))

	for i, request := range requests {
		id, err := s.queue.Enqueue(r.Context(), request)
		if err != nil {
			results[i] = groupResult{Error: err.Error()}
			continue
		}
		results[i] = groupResult{ID: id}
	}

	return results, nil
}

func enqueueError(err error) error {
	switch {
	case isErr(err, queue.ErrInvalidAmount):
		return errors.New(errors.CodeInvalidAmount, err.Error(), err)
	case isErr(err, queue.ErrEmptyReceiver):
		return errors.New(errors.CodeInvalidRequest, err.Error(), err)
	default:
		return err
	}
}
