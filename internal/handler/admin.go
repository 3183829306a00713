package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/order-lifecycle/internal/domain/auth"
	"github.com/xenking/order-lifecycle/internal/domain/delivery"
)

func adminActor(r *http.Request) auth.Actor {
	key, _ := auth.APIKeyFrom(r.Context())
	return auth.Admin(key)
}

// adminGetOrder returns the order with its gateway attempts.
func (h *Handler) adminGetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	o, err := h.orders.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	txns, err := h.transactions.ListTransactions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeFunc(func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("order", func(e *jx.Encoder) { encodeOrder(e, o) })
			e.Field("transactions", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, t := range txns {
						encodeTransaction(e, t)
					}
				})
			})
		})
	}))
}

func (h *Handler) listTransitions(w http.ResponseWriter, r *http.Request) {
	trs, err := h.orders.Transitions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeFunc(func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("transitions", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, t := range trs {
						encodeTransition(e, t)
					}
				})
			})
		})
	}))
}

// applyTransition runs one state machine command as the calling operator.
func (h *Handler) applyTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := readBody(w, r, req.Decode); err != nil {
		writeError(w, r, err)
		return
	}
	cmd, err := req.Command()
	if err != nil {
		writeError(w, r, err)
		return
	}

	o, changes, err := h.orders.Mutate(r.Context(), chi.URLParam(r, "id"), adminActor(r), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	noop := true
	for _, ch := range changes {
		noop = noop && ch.Noop
	}
	writeJSON(w, http.StatusOK, encodeFunc(func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("order", func(e *jx.Encoder) { encodeOrder(e, o) })
			e.Field("noop", func(e *jx.Encoder) { e.Bool(noop) })
		})
	}))
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.deliveries.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeFunc(func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("attempts", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for i := range attempts {
						encodeAttempt(e, &attempts[i])
					}
				})
			})
		})
	}))
}

func (h *Handler) scheduleDelivery(w http.ResponseWriter, r *http.Request) {
	var date string
	err := readBody(w, r, func(d *jx.Decoder) error {
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) != "scheduled_date" {
				return d.Skip()
			}
			var err error
			date, err = str(d)
			return err
		})
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if date == "" {
		writeError(w, r, delivery.ErrInvalidDate)
		return
	}
	scheduled, err := parseDate(date)
	if err != nil {
		writeError(w, r, err)
		return
	}

	a, err := h.deliveries.Schedule(r.Context(), chi.URLParam(r, "id"), scheduled)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, encodeFunc(func(e *jx.Encoder) { encodeAttempt(e, a) }))
}

func (h *Handler) recordDelivery(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "attempt"))
	if err != nil || number < 1 {
		writeError(w, r, badRequest("attempt must be a positive integer"))
		return
	}
	req := delivery.RecordRequest{OrderID: chi.URLParam(r, "id"), Number: number}
	err = readBody(w, r, func(d *jx.Decoder) error {
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var (
				v   string
				err error
			)
			switch string(key) {
			case "outcome":
				v, err = str(d)
				req.Outcome = delivery.Status(v)
			case "reason":
				req.Reason, err = str(d)
			case "notes":
				req.Notes, err = str(d)
			default:
				err = d.Skip()
			}
			return err
		})
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	a, err := h.deliveries.Record(r.Context(), adminActor(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeFunc(func(e *jx.Encoder) { encodeAttempt(e, a) }))
}
