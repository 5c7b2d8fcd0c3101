package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/voxmeter/voxmeter/internal/metering"
)

func init() {
	// Set Stripe API key from environment
	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
}

// One credit buys one unit of balance and costs one dollar.
const centsPerCredit = 100

// handleCreateTopUp creates a Stripe Checkout session for a one-off balance
// top-up. The credited amount rides along in the session metadata and is
// applied by the webhook once payment completes.
func (r *Router) handleCreateTopUp(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())

	var body struct {
		Credits string `json:"credits"` // decimal credit amount, e.g. "10"
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	amount, err := metering.ParseAmount(body.Credits)
	if err != nil || amount <= 0 {
		http.Error(w, `{"error": "invalid credit amount"}`, http.StatusBadRequest)
		return
	}
	cents := amount.Micros() * centsPerCredit / 1_000_000
	if cents < 100 {
		http.Error(w, `{"error": "minimum top-up is 1 credit"}`, http.StatusBadRequest)
		return
	}

	successURL := r.cfg.StripeSuccessURL
	if successURL == "" {
		successURL = r.cfg.PublicBaseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"
	}
	cancelURL := r.cfg.StripeCancelURL
	if cancelURL == "" {
		cancelURL = r.cfg.PublicBaseURL + "/billing/cancel"
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(cents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Transcription credits"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		Metadata: map[string]string{
			"user_id": authUser.ID.String(),
			"credits": amount.String(),
		},
	}

	s, err := checkoutsession.New(params)
	if err != nil {
		r.logger.Printf("billing: failed to create checkout session: %v", err)
		captureError(req, err, "billing: checkout session creation failed")
		http.Error(w, `{"error": "failed to create checkout session"}`, http.StatusInternalServerError)
		return
	}

	r.logger.Printf("billing: created checkout session %s for user %s (%s credits)",
		s.ID, authUser.ID, amount)

	writeJSON(w, http.StatusOK, map[string]string{
		"checkout_url": s.URL,
		"session_id":   s.ID,
	})
}

func (r *Router) handleListTopUps(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())

	topUps, err := r.store.ListTopUps(req.Context(), authUser.ID, 50)
	if err != nil {
		captureError(req, err, "billing: list top-ups failed")
		http.Error(w, `{"error": "failed to list top-ups"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"top_ups": topUps})
}

// handleStripeWebhook processes Stripe webhook events
func (r *Router) handleStripeWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, 65536))
	if err != nil {
		r.logger.Printf("billing webhook: failed to read body: %v", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// Verify webhook signature
	sigHeader := req.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, sigHeader, r.cfg.StripeWebhookSecret)
	if err != nil {
		r.logger.Printf("billing webhook: signature verification failed: %v", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	r.logger.Printf("billing webhook: received event %s (type=%s)", event.ID, event.Type)

	switch event.Type {
	case "checkout.session.completed":
		var checkout stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &checkout); err != nil {
			r.logger.Printf("billing webhook: failed to parse session: %v", err)
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		if err := r.applyTopUp(req, checkout); err != nil {
			captureError(req, err, "billing webhook: top-up failed")
			http.Error(w, "top-up failed", http.StatusInternalServerError)
			return
		}
	default:
		// Other event types are acknowledged and ignored.
	}

	w.WriteHeader(http.StatusOK)
}

// applyTopUp credits a completed checkout. The top-up insert is idempotent
// on the Stripe session ID, so webhook retries never double-credit.
func (r *Router) applyTopUp(req *http.Request, checkout stripe.CheckoutSession) error {
	userID, err := uuid.Parse(checkout.Metadata["user_id"])
	if err != nil {
		r.logger.Printf("billing webhook: session %s has no valid user_id", checkout.ID)
		return err
	}
	amount, err := metering.ParseAmount(checkout.Metadata["credits"])
	if err != nil {
		r.logger.Printf("billing webhook: session %s has no valid credits", checkout.ID)
		return err
	}

	inserted, err := r.store.InsertTopUp(req.Context(), userID, amount, "stripe", checkout.ID)
	if err != nil {
		return err
	}
	if !inserted {
		r.logger.Printf("billing webhook: session %s already credited", checkout.ID)
		return nil
	}

	if err := r.guard.Credit(req.Context(), userID, amount); err != nil {
		return err
	}
	r.logger.Printf("billing webhook: credited %s to user %s", amount, userID)
	return nil
}
