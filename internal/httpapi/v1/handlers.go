package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/killertux/aledger/internal/errs"
	"github.com/killertux/aledger/internal/ledger"
	"github.com/killertux/aledger/internal/service/balance"
)

const defaultEntryLimit = 100

func (s *Server) pushEntries(w http.ResponseWriter, r *http.Request) {
	var reqs []pushEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		unprocessable(w, "Invalid request body: "+err.Error())
		return
	}
	entries := make([]ledger.Entry, 0, len(reqs))
	for _, req := range reqs {
		entries = append(entries, req.toEntry())
	}
	applied, nonApplied := s.svc.Push(r.Context(), s.newRNG(), entries)
	toJSON(w, http.StatusOK, toPushResponse(applied, nonApplied))
}

func (s *Server) deleteEntries(w http.ResponseWriter, r *http.Request) {
	var reqs []ledger.DeleteEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		unprocessable(w, "Invalid request body: "+err.Error())
		return
	}
	applied, nonApplied := s.svc.Delete(r.Context(), s.newRNG(), reqs)
	toJSON(w, http.StatusOK, toDeleteResponse(applied, nonApplied))
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountID(w, r)
	if !ok {
		return
	}
	head, err := s.svc.Balance(r.Context(), accountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, toLedgerResponse(head))
}

func (s *Server) getEntries(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountID(w, r)
	if !ok {
		return
	}
	limit, ok := s.limit(w, r, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	q := r.URL.Query()
	cursorParam := q.Get("cursor")
	startParam, endParam, orderParam := q.Get("start_date"), q.Get("end_date"), q.Get("order")

	var entries []ledger.EntryWithBalance
	var cursor *ledger.Cursor
	var err error
	switch {
	case cursorParam != "" && (startParam != "" || endParam != "" || orderParam != ""):
		unprocessable(w, "You can't provide a cursor and a range of dates or order")
		return
	case cursorParam != "":
		decoded, derr := ledger.DecodeCursor(cursorParam)
		if derr != nil || decoded.Entries == nil {
			unprocessable(w, "Invalid cursor")
			return
		}
		entries, cursor, err = s.svc.EntriesFromCursor(r.Context(), accountID, *decoded.Entries, limit)
	case startParam == "" || endParam == "":
		unprocessable(w, "You need to provide both the `start_date` and the `end_date`")
		return
	default:
		start, perr := time.Parse(time.RFC3339, startParam)
		if perr != nil {
			unprocessable(w, "Invalid start_date")
			return
		}
		end, perr := time.Parse(time.RFC3339, endParam)
		if perr != nil {
			unprocessable(w, "Invalid end_date")
			return
		}
		order := ledger.OrderDesc
		if orderParam != "" {
			if order, perr = ledger.ParseOrder(orderParam); perr != nil {
				unprocessable(w, "Invalid order")
				return
			}
		}
		entries, cursor, err = s.svc.Entries(r.Context(), accountID, start, end, limit, order)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := toEntriesResponse(entries, cursor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, resp)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountID(w, r)
	if !ok {
		return
	}
	entryID, err := ledger.NewEntryID(chi.URLParam(r, "entry_id"))
	if err != nil {
		unprocessable(w, "Invalid entry_id")
		return
	}
	q := r.URL.Query()
	limit := defaultEntryLimit
	if raw := q.Get("limit"); raw != "" {
		if limit, ok = s.limit(w, r, raw); !ok {
			return
		}
	}

	var entries []ledger.EntryWithBalance
	var cursor *ledger.Cursor
	if raw := q.Get("cursor"); raw != "" {
		decoded, derr := ledger.DecodeCursor(raw)
		if derr != nil || decoded.Entry == nil {
			unprocessable(w, "Invalid cursor")
			return
		}
		entries, cursor, err = s.svc.EntryFromCursor(r.Context(), accountID, entryID, *decoded.Entry, limit)
	} else {
		entries, cursor, err = s.svc.Entry(r.Context(), accountID, entryID, limit)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := toEntriesResponse(entries, cursor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, resp)
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Hello, World!"))
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	toJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) accountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "account_id"))
	if err != nil {
		unprocessable(w, "Invalid account_id")
		return uuid.UUID{}, false
	}
	return id, true
}

func (s *Server) limit(w http.ResponseWriter, r *http.Request, raw string) (int, bool) {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		unprocessable(w, "Limit must be a positive integer")
		return 0, false
	}
	if limit > 100 {
		unprocessable(w, "Limit must be lower or equal to 100")
		return 0, false
	}
	return limit, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var notFoundErr *balance.NotFoundError
	switch {
	case errors.As(err, &notFoundErr):
		if notFoundErr.EntryID != "" {
			notFound(w, fmt.Sprintf("Entry %s not found", notFoundErr.EntryID))
		} else {
			notFound(w, fmt.Sprintf("Account %s not found", notFoundErr.AccountID))
		}
	case errors.Is(err, errs.ErrUnprocessable):
		unprocessable(w, "Invalid cursor")
	default:
		s.log.ErrorContext(r.Context(), "fatal error", "error", err)
		internalError(w)
	}
}
