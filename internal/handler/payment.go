package handler

import (
	"mime"
	"net/http"
	"strings"

	"github.com/go-faster/jx"

	"github.com/xenking/order-lifecycle/internal/domain/payment"
)

// paymentReturn handles the gateway POST to surl or furl and sends the
// browser on to the storefront.
func (h *Handler) paymentReturn(endpoint payment.Outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		if err := r.ParseForm(); err != nil {
			writeError(w, r, badRequest("malformed form body"))
			return
		}
		message := r.PostForm.Get("field9")
		if message == "" {
			message = r.PostForm.Get("error_Message")
		}
		form := payment.ReturnForm{
			Key:         r.PostForm.Get("key"),
			TxnID:       r.PostForm.Get("txnid"),
			Status:      r.PostForm.Get("status"),
			Amount:      r.PostForm.Get("amount"),
			ProductInfo: r.PostForm.Get("productinfo"),
			FirstName:   r.PostForm.Get("firstname"),
			Email:       r.PostForm.Get("email"),
			Hash:        r.PostForm.Get("hash"),
			Message:     message,
		}

		res, err := h.payments.HandleReturn(r.Context(), endpoint, form)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, res.RedirectURL, http.StatusSeeOther)
	}
}

// paymentCallback handles GET /api/payment/callback. Browsers are
// redirected to a clean result page; API clients asking for JSON get the
// verified result.
func (h *Handler) paymentCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.payments.VerifyCallback(r.Context(), payment.CallbackParams{
		Status:           q.Get("status"),
		OrderID:          q.Get("order_id"),
		TxnID:            q.Get("txnid"),
		Message:          q.Get("message"),
		PaymentStatus:    q.Get("payment_status"),
		VerificationCode: q.Get("verification_code"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	if !wantsJSON(r) {
		http.Redirect(w, r, res.RedirectURL, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, encodeFunc(func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("order_id", func(e *jx.Encoder) { e.Str(res.OrderID) })
			e.Field("outcome", func(e *jx.Encoder) { e.Str(string(res.Outcome)) })
			e.Field("view", func(e *jx.Encoder) { e.Str(res.Outcome.View()) })
			e.Field("payment_status", func(e *jx.Encoder) { e.Str(string(res.PaymentStatus)) })
			optStr(e, "message", res.Message)
			e.Field("applied", func(e *jx.Encoder) { e.Bool(res.Applied) })
			e.Field("redirect_url", func(e *jx.Encoder) { e.Str(res.RedirectURL) })
		})
	}))
}

func wantsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "application/json" {
			return true
		}
	}
	return false
}
