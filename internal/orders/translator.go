// Package orders gates and maps source orders onto downstream order requests.
package orders

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/agentworkforce/ordersync/internal/downstream"
	"github.com/agentworkforce/ordersync/internal/source"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

// DefaultMarker prefixes the source order id in the downstream tag.
const DefaultMarker = "dsco:"

var validate = validator.New(validator.WithRequiredStructEnabled())

// MappingResult holds either a mapped order or every validation error found.
type MappingResult struct {
	Success bool
	Order   *downstream.OrderRequest
	Errors  []string
}

// Err returns the aggregated validation failure, or nil on success.
func (r MappingResult) Err(sourceOrderID string) error {
	if r.Success {
		return nil
	}
	return syncerr.Validation("map order", sourceOrderID, r.Errors)
}

type Translator struct {
	Marker  string
	StoreID string
}

func NewTranslator(marker, storeID string) Translator {
	if strings.TrimSpace(marker) == "" {
		marker = DefaultMarker
	}
	return Translator{Marker: marker, StoreID: strings.TrimSpace(storeID)}
}

// ShouldProcess admits created or acknowledged orders that still need
// fulfilment.
func (t Translator) ShouldProcess(order source.Order) bool {
	status := normalize(order.DscoStatus)
	switch status {
	case "cancelled", "canceled", "shipped", "pending_supplier", "supplier_pending":
		return false
	}
	switch normalize(order.DscoLifecycle) {
	case "created", "acknowledged":
		return true
	case "":
		return status == "created" || status == "shipment_pending"
	default:
		return false
	}
}

type shipToFields struct {
	Name     string `validate:"required"`
	Address1 string `validate:"required"`
	City     string `validate:"required"`
	Postal   string `validate:"required"`
	Country  string `validate:"required"`
	Email    string `validate:"omitempty,email"`
}

var shipToLabels = map[string]string{
	"Name":     "name",
	"Address1": "address1",
	"City":     "city",
	"Postal":   "postal",
	"Country":  "country",
	"Email":    "email",
}

// MapAndValidate has no side effects; the same order always yields the same
// result.
func (t Translator) MapAndValidate(order source.Order) MappingResult {
	var errs []string
	if strings.TrimSpace(order.DscoOrderID) == "" {
		errs = append(errs, "dscoOrderId is required")
	}
	orderNumber := strings.TrimSpace(order.PoNumber)
	if orderNumber == "" {
		orderNumber = strings.TrimSpace(order.ConsumerOrderNumber)
	}
	if orderNumber == "" {
		errs = append(errs, "poNumber or consumerOrderNumber is required")
	}

	addr := order.ShipAddress()
	if addr == nil {
		errs = append(errs, "shipping address is missing")
	} else {
		errs = append(errs, validateShipTo(*addr)...)
	}

	if len(order.LineItems) == 0 {
		errs = append(errs, "lineItems is empty")
	}
	for i, item := range order.LineItems {
		if item.Quantity <= 0 {
			errs = append(errs, fmt.Sprintf("lineItems[%d].quantity must be greater than 0", i))
		}
		if lineItemIdentifier(item) == "" {
			errs = append(errs, fmt.Sprintf("lineItems[%d] has no dscoItemId, sku, partnerSku or upc", i))
		}
	}

	if len(errs) > 0 {
		return MappingResult{Errors: errs}
	}
	mapped := t.mapOrder(order, orderNumber, *addr)
	return MappingResult{Success: true, Order: &mapped}
}

func (t Translator) mapOrder(order source.Order, orderNumber string, addr source.Address) downstream.OrderRequest {
	id := strings.TrimSpace(order.DscoOrderID)
	items := make([]downstream.Item, 0, len(order.LineItems))
	total := decimal.Zero
	for _, line := range order.LineItems {
		price := unitPrice(line)
		total = total.Add(price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		items = append(items, downstream.Item{
			ExternalOrderItemID: strings.TrimSpace(line.DscoItemID),
			SKU:                 strings.TrimSpace(line.Sku),
			PartnerSKU:          strings.TrimSpace(line.PartnerSku),
			UPC:                 strings.TrimSpace(line.Upc),
			Name:                strings.TrimSpace(line.Title),
			Quantity:            line.Quantity,
			UnitPrice:           price,
		})
	}
	return downstream.OrderRequest{
		OrderNumber:        orderNumber,
		ExternalOrderID:    id,
		OrderDate:          order.RetailerCreateDate,
		StoreID:            t.StoreID,
		RequestedShipping:  strings.TrimSpace(order.ShipMethod),
		CarrierCode:        strings.TrimSpace(order.ShipCarrier),
		RequiredShipByDate: order.RequiredShipDate,
		ShipTo: downstream.Address{
			Name:          addr.FullName(),
			CompanyName:   strings.TrimSpace(addr.Company),
			Phone:         strings.TrimSpace(addr.Phone),
			Email:         strings.TrimSpace(addr.Email),
			AddressLine1:  strings.TrimSpace(addr.Address1),
			AddressLine2:  strings.TrimSpace(addr.Address2),
			CityLocality:  strings.TrimSpace(addr.City),
			StateProvince: strings.TrimSpace(addr.Region),
			PostalCode:    strings.TrimSpace(addr.Postal),
			CountryCode:   strings.ToUpper(strings.TrimSpace(addr.Country)),
		},
		Items: items,
		Tags:  []downstream.Tag{{Name: t.Marker + id}},
		AdvancedOptions: downstream.AdvancedOptions{
			CustomField1: id,
			CustomField2: strings.TrimSpace(order.PoNumber),
		},
		AmountTotal: total,
	}
}

func validateShipTo(addr source.Address) []string {
	fields := shipToFields{
		Name:     addr.FullName(),
		Address1: strings.TrimSpace(addr.Address1),
		City:     strings.TrimSpace(addr.City),
		Postal:   strings.TrimSpace(addr.Postal),
		Country:  strings.TrimSpace(addr.Country),
		Email:    strings.TrimSpace(addr.Email),
	}
	err := validate.Struct(fields)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{"shipping address: " + err.Error()}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		label := shipToLabels[fe.StructField()]
		switch fe.Tag() {
		case "required":
			out = append(out, "shipping."+label+" is required")
		default:
			out = append(out, fmt.Sprintf("shipping.%s is not a valid %s", label, fe.Tag()))
		}
	}
	return out
}

func lineItemIdentifier(item source.LineItem) string {
	for _, candidate := range []string{item.DscoItemID, item.Sku, item.PartnerSku, item.Upc} {
		if v := strings.TrimSpace(candidate); v != "" {
			return v
		}
	}
	return ""
}

func unitPrice(item source.LineItem) decimal.Decimal {
	if item.ConsumerPrice != nil {
		return *item.ConsumerPrice
	}
	if item.ExpectedCost != nil {
		return *item.ExpectedCost
	}
	return decimal.Zero
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
