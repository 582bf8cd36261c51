package checkout

import (
	"context"
	"fmt"
	"math"
	"os"
	"vbtix/internal/logger"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// InitStripe initializes the Stripe API with the secret key
func InitStripe() {
	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
}

// StripeProvider creates PaymentIntents carrying the transaction ID in
// their metadata; the settlement webhook reads it back out.
type StripeProvider struct {
	Currency string
	Logger   *logger.Logger
}

func NewStripeProvider(currency string, log *logger.Logger) *StripeProvider {
	if currency == "" {
		currency = "usd"
	}
	return &StripeProvider{Currency: currency, Logger: log}
}

func (p *StripeProvider) CreateIntent(ctx context.Context, transactionID string, amount float64) (*PaymentIntent, error) {
	amountInCents := int64(math.Round(amount * 100))

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountInCents),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("transaction_id", transactionID)

	intent, err := paymentintent.New(params)
	if err != nil {
		p.Logger.Error("PAYMENT", fmt.Sprintf("failed to create payment intent for transaction %s: %v", transactionID, err))
		return nil, err
	}

	p.Logger.Info("PAYMENT", fmt.Sprintf("created payment intent %s for transaction %s (%d %s)", intent.ID, transactionID, amountInCents, p.Currency))
	return &PaymentIntent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}
