package orders

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/ordersync/internal/source"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func validOrder() source.Order {
	return source.Order{
		DscoOrderID:   "123",
		PoNumber:      "PO-123",
		DscoLifecycle: "created",
		DscoStatus:    "created",
		Shipping: &source.Address{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Address1:  "1 Analytical Way",
			City:      "London",
			Postal:    "N1 9GU",
			Country:   "gb",
		},
		LineItems: []source.LineItem{
			{DscoItemID: "item-1", Sku: "SKU-1", Quantity: 2, ConsumerPrice: price("12.50")},
			{Upc: "012345678905", Quantity: 1, ExpectedCost: price("3.10")},
		},
	}
}

func TestShouldProcess(t *testing.T) {
	tr := NewTranslator("", "")
	tests := []struct {
		name      string
		lifecycle string
		status    string
		want      bool
	}{
		{"created", "created", "created", true},
		{"acknowledged", "Acknowledged", "shipment_pending", true},
		{"cancelled", "acknowledged", "cancelled", false},
		{"shipped", "completed", "shipped", false},
		{"pending supplier", "created", "pending_supplier", false},
		{"received lifecycle", "received", "created", false},
		{"status only", "", "created", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.ShouldProcess(source.Order{DscoLifecycle: tt.lifecycle, DscoStatus: tt.status})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMapAndValidateMapsCorrelationHint(t *testing.T) {
	tr := NewTranslator("dsco:", "store-7")
	result := tr.MapAndValidate(validOrder())

	require.True(t, result.Success)
	require.NotNil(t, result.Order)
	assert.Empty(t, result.Errors)

	mapped := result.Order
	assert.Equal(t, "PO-123", mapped.OrderNumber)
	assert.Equal(t, "123", mapped.ExternalOrderID)
	assert.Equal(t, "store-7", mapped.StoreID)
	assert.Equal(t, "dsco:123", mapped.Tags[0].Name)
	assert.Equal(t, "123", mapped.AdvancedOptions.CustomField1)
	assert.Equal(t, "PO-123", mapped.AdvancedOptions.CustomField2)
	assert.Equal(t, "Ada Lovelace", mapped.ShipTo.Name)
	assert.Equal(t, "GB", mapped.ShipTo.CountryCode)
	require.Len(t, mapped.Items, 2)
	assert.Equal(t, "item-1", mapped.Items[0].ExternalOrderItemID)
	assert.True(t, mapped.AmountTotal.Equal(decimal.RequireFromString("28.10")), "total %s", mapped.AmountTotal)
}

func TestMapAndValidateFallsBackToConsumerOrderNumber(t *testing.T) {
	order := validOrder()
	order.PoNumber = ""
	order.ConsumerOrderNumber = "C-55"
	result := NewTranslator("", "").MapAndValidate(order)
	require.True(t, result.Success)
	assert.Equal(t, "C-55", result.Order.OrderNumber)
	assert.Empty(t, result.Order.AdvancedOptions.CustomField2)
}

func TestMapAndValidateAggregatesAllErrors(t *testing.T) {
	order := source.Order{
		DscoOrderID: "9",
		Shipping:    &source.Address{City: "Paris", Email: "not-an-email"},
		LineItems:   []source.LineItem{{Quantity: 0}},
	}
	result := NewTranslator("", "").MapAndValidate(order)

	require.False(t, result.Success)
	assert.Nil(t, result.Order)
	assert.Equal(t, []string{
		"poNumber or consumerOrderNumber is required",
		"shipping.name is required",
		"shipping.address1 is required",
		"shipping.postal is required",
		"shipping.country is required",
		"shipping.email is not a valid email",
		"lineItems[0].quantity must be greater than 0",
		"lineItems[0] has no dscoItemId, sku, partnerSku or upc",
	}, result.Errors)

	err := result.Err("9")
	assert.True(t, errors.Is(err, syncerr.ErrValidation))
}

func TestMapAndValidateMissingAddressAndItems(t *testing.T) {
	result := NewTranslator("", "").MapAndValidate(source.Order{DscoOrderID: "1", PoNumber: "P"})
	assert.Equal(t, []string{"shipping address is missing", "lineItems is empty"}, result.Errors)
	assert.NoError(t, MappingResult{Success: true}.Err("1"))
}

func TestMapAndValidateIsPure(t *testing.T) {
	tr := NewTranslator("dsco:", "store-7")
	order := validOrder()

	first, err := json.Marshal(tr.MapAndValidate(order))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := json.Marshal(tr.MapAndValidate(order))
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
	assert.Equal(t, "12.50", order.LineItems[0].ConsumerPrice.StringFixed(2), "input must not be mutated")
}
