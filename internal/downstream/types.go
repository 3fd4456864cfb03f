package downstream

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Tag struct {
	Name string `json:"name"`
}

type Address struct {
	Name          string `json:"name"`
	CompanyName   string `json:"company_name,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Email         string `json:"email,omitempty"`
	AddressLine1  string `json:"address_line1"`
	AddressLine2  string `json:"address_line2,omitempty"`
	CityLocality  string `json:"city_locality"`
	StateProvince string `json:"state_province,omitempty"`
	PostalCode    string `json:"postal_code"`
	CountryCode   string `json:"country_code"`
}

type Item struct {
	ExternalOrderItemID string          `json:"external_order_item_id,omitempty"`
	SKU                 string          `json:"sku,omitempty"`
	PartnerSKU          string          `json:"partner_sku,omitempty"`
	UPC                 string          `json:"upc,omitempty"`
	Name                string          `json:"name,omitempty"`
	Quantity            int             `json:"quantity"`
	UnitPrice           decimal.Decimal `json:"unit_price"`
}

// AdvancedOptions carries free-form custom fields that survive onto shipments.
type AdvancedOptions struct {
	CustomField1 string `json:"custom_field1,omitempty"`
	CustomField2 string `json:"custom_field2,omitempty"`
	CustomField3 string `json:"custom_field3,omitempty"`
}

func (o AdvancedOptions) CustomFields() []string {
	return []string{o.CustomField1, o.CustomField2, o.CustomField3}
}

type OrderRequest struct {
	OrderNumber        string          `json:"order_number"`
	ExternalOrderID    string          `json:"external_order_id"`
	OrderDate          string          `json:"order_date,omitempty"`
	StoreID            string          `json:"store_id,omitempty"`
	RequestedShipping  string          `json:"requested_shipping_service,omitempty"`
	CarrierCode        string          `json:"carrier_code,omitempty"`
	ShipTo             Address         `json:"ship_to"`
	Items              []Item          `json:"items"`
	Tags               []Tag           `json:"tags,omitempty"`
	AdvancedOptions    AdvancedOptions `json:"advanced_options"`
	AmountTotal        decimal.Decimal `json:"amount_total"`
	RequiredShipByDate string          `json:"ship_by_date,omitempty"`
}

type OrderRef struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	ShipmentID  string `json:"shipment_id,omitempty"`
}

type Order struct {
	OrderID         string          `json:"order_id"`
	OrderNumber     string          `json:"order_number"`
	ExternalOrderID string          `json:"external_order_id,omitempty"`
	OrderStatus     string          `json:"order_status,omitempty"`
	Tags            []Tag           `json:"tags,omitempty"`
	AdvancedOptions AdvancedOptions `json:"advanced_options"`
	Shipments       []Shipment      `json:"shipments,omitempty"`
}

// Ref returns the order reference, picking the first shipment if present.
func (o Order) Ref() OrderRef {
	ref := OrderRef{OrderID: o.OrderID, OrderNumber: o.OrderNumber}
	if len(o.Shipments) > 0 {
		ref.ShipmentID = o.Shipments[0].ShipmentID
	}
	return ref
}

type ShipmentItem struct {
	LineItemID          string `json:"line_item_id,omitempty"`
	ExternalOrderItemID string `json:"external_order_item_id,omitempty"`
	SKU                 string `json:"sku,omitempty"`
	PartnerSKU          string `json:"partner_sku,omitempty"`
	UPC                 string `json:"upc,omitempty"`
	Name                string `json:"name,omitempty"`
	Quantity            int    `json:"quantity"`
}

type Shipment struct {
	ShipmentID      string          `json:"shipment_id"`
	ShipmentNumber  string          `json:"shipment_number,omitempty"`
	ShipmentStatus  string          `json:"shipment_status,omitempty"`
	OrderID         string          `json:"order_id,omitempty"`
	OrderNumber     string          `json:"order_number,omitempty"`
	ExternalOrderID string          `json:"external_order_id,omitempty"`
	Tags            []Tag           `json:"tags,omitempty"`
	AdvancedOptions AdvancedOptions `json:"advanced_options"`
	TrackingNumber  string          `json:"tracking_number,omitempty"`
	CarrierCode     string          `json:"carrier_code,omitempty"`
	ServiceCode     string          `json:"service_code,omitempty"`
	ShipDate        string          `json:"ship_date,omitempty"`
	Items           []ShipmentItem  `json:"items,omitempty"`
}

type TrackingQuery struct {
	ShipmentID     string
	OrderNumber    string
	TrackingNumber string
}

type TrackingInfo struct {
	TrackingNumber    string `json:"tracking_number"`
	CarrierCode       string `json:"carrier_code,omitempty"`
	StatusCode        string `json:"status_code,omitempty"`
	StatusDescription string `json:"status_description,omitempty"`
	ShipDate          string `json:"ship_date,omitempty"`
	EstimatedDelivery string `json:"estimated_delivery_date,omitempty"`
	ShipmentID        string `json:"shipment_id,omitempty"`
}

type Webhook struct {
	WebhookID string `json:"webhook_id,omitempty"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url"`
	Event     string `json:"event"`
	StoreID   string `json:"store_id,omitempty"`
}

type Carrier struct {
	CarrierID    string `json:"carrier_id"`
	CarrierCode  string `json:"carrier_code"`
	FriendlyName string `json:"friendly_name,omitempty"`
	Nickname     string `json:"nickname,omitempty"`
}

// TagNames returns the trimmed, non-empty tag names.
func TagNames(tags []Tag) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if name := strings.TrimSpace(tag.Name); name != "" {
			out = append(out, name)
		}
	}
	return out
}
