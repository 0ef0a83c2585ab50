package payment

import (
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IntentInput is a domain-level request to pay for an order. Amount is in
// major units.
type IntentInput struct {
	Provider    string            `json:"provider" validate:"required"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency" validate:"required,len=3,alpha"`
	OrderRef    string            `json:"orderRef" validate:"required,max=64"`
	Customer    Customer          `json:"customer"`
	Method      string            `json:"method,omitempty" validate:"omitempty,max=64"`
	Description string            `json:"description,omitempty" validate:"omitempty,max=200"`
	ReturnURL   string            `json:"returnUrl,omitempty" validate:"omitempty,url"`
	Metadata    map[string]string `json:"metadata,omitempty" validate:"omitempty,max=20"`
}

// DefaultCurrencies is the allow-list used when none is configured for a provider.
var DefaultCurrencies = map[Provider][]string{
	ProviderCardRail:    {"usd", "eur", "gbp", "myr", "sgd"},
	ProviderBillGateway: {"myr"},
	ProviderTxnGateway:  {"ngn", "ghs", "zar", "kes", "usd"},
}

var currencyExponent = map[string]int32{
	"bif": 0, "clp": 0, "djf": 0, "gnf": 0, "jpy": 0, "kmf": 0, "krw": 0, "mga": 0,
	"pyg": 0, "rwf": 0, "ugx": 0, "vnd": 0, "vuv": 0, "xaf": 0, "xof": 0, "xpf": 0,
	"bhd": 3, "jod": 3, "kwd": 3, "omr": 3, "tnd": 3,
}

// MinorExponent returns the number of minor-unit digits of currency.
func MinorExponent(currency string) int32 {
	if exp, ok := currencyExponent[strings.ToLower(currency)]; ok {
		return exp
	}
	return 2
}

// ToMinorUnits rounds a major-unit amount half away from zero into minor units.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, bool) {
	exp := MinorExponent(currency)
	minor := amount.Round(exp).Shift(exp)
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, false
	}
	return minor.IntPart(), true
}

// FromMinorUnits converts minor units back into a major-unit amount.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.NewFromInt(minor).Shift(-MinorExponent(currency))
}

var orderRefPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]*$`)

// Normalizer validates domain requests and turns them into CreateRequests.
// Every amount and currency check happens here, before any adapter runs.
type Normalizer struct {
	Currencies map[Provider][]string
	NewRef     func() string
}

// Normalize validates in and produces the provider-ready request.
func (n Normalizer) Normalize(in IntentInput) (CreateRequest, error) {
	provider, err := ParseProvider(in.Provider)
	if err != nil {
		return CreateRequest{}, invalid("provider", "unsupported provider")
	}

	orderRef := strings.TrimSpace(in.OrderRef)
	switch {
	case orderRef == "":
		return CreateRequest{}, invalid("orderRef", "is required")
	case len(orderRef) > 64:
		return CreateRequest{}, invalid("orderRef", "must be at most 64 characters")
	case !orderRefPattern.MatchString(orderRef):
		return CreateRequest{}, invalid("orderRef", "contains unsupported characters")
	}

	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		return CreateRequest{}, invalid("currency", "is required")
	}
	if !n.allowed(provider, currency) {
		return CreateRequest{}, invalid("currency", currency+" is not accepted by "+provider.String())
	}

	if !in.Amount.IsPositive() {
		return CreateRequest{}, invalid("amount", "must be greater than zero")
	}
	minor, ok := ToMinorUnits(in.Amount, currency)
	if !ok {
		return CreateRequest{}, invalid("amount", "is too large")
	}
	if minor <= 0 {
		return CreateRequest{}, invalid("amount", "rounds to zero in "+currency)
	}

	customer := Customer{
		Name:  strings.TrimSpace(in.Customer.Name),
		Email: strings.ToLower(strings.TrimSpace(in.Customer.Email)),
		Phone: strings.TrimSpace(in.Customer.Phone),
	}
	switch provider {
	case ProviderBillGateway:
		if customer.Name == "" {
			return CreateRequest{}, invalid("customer.name", "is required for "+provider.String())
		}
		if customer.Email == "" && customer.Phone == "" {
			return CreateRequest{}, invalid("customer", "email or phone is required for "+provider.String())
		}
	case ProviderTxnGateway:
		if customer.Email == "" {
			return CreateRequest{}, invalid("customer.email", "is required for "+provider.String())
		}
	}

	meta := copyMetadata(in.Metadata)
	if meta == nil {
		meta = make(map[string]string, 2)
	}
	meta[MetadataOrderRef] = orderRef

	ref := ""
	if n.NewRef != nil {
		ref = n.NewRef()
	}
	if ref == "" {
		ref = "pb_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		desc = "Payment for order " + orderRef
	}

	return CreateRequest{
		Provider:         provider,
		OrderRef:         orderRef,
		Reference:        ref,
		Amount:           FromMinorUnits(minor, currency),
		AmountMinorUnits: minor,
		Currency:         currency,
		Customer:         customer,
		Method:           strings.TrimSpace(in.Method),
		Description:      desc,
		ReturnURL:        strings.TrimSpace(in.ReturnURL),
		Metadata:         meta,
	}, nil
}

func (n Normalizer) allowed(p Provider, currency string) bool {
	list, ok := n.Currencies[p]
	if !ok || len(list) == 0 {
		list = DefaultCurrencies[p]
	}
	for _, c := range list {
		if strings.EqualFold(strings.TrimSpace(c), currency) {
			return true
		}
	}
	return false
}
