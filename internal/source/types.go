package source

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

type Partition struct {
	PartitionID int    `json:"partitionId"`
	Position    string `json:"position"`
}

type Stream struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	ObjectType  string      `json:"objectType,omitempty"`
	Partitions  []Partition `json:"partitions,omitempty"`
}

// PartitionPosition returns the reported position of partitionID, if any.
func (s Stream) PartitionPosition(partitionID int) string {
	for _, p := range s.Partitions {
		if p.PartitionID == partitionID {
			return strings.TrimSpace(p.Position)
		}
	}
	return ""
}

type StreamRequest struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	ObjectType  string         `json:"objectType"`
	Query       map[string]any `json:"query,omitempty"`
}

// Event is one entry of a stream partition. ID is totally ordered within the
// partition.
type Event struct {
	ID       string          `json:"id"`
	Reasons  []string        `json:"reasons"`
	ObjectID string          `json:"objectId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// HasReason reports whether any of the event's reasons appears in filter. An
// empty filter matches everything.
func (e Event) HasReason(filter map[string]struct{}) bool {
	if len(filter) == 0 {
		return true
	}
	for _, reason := range e.Reasons {
		if _, ok := filter[strings.ToLower(strings.TrimSpace(reason))]; ok {
			return true
		}
	}
	return false
}

type Address struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Name      string `json:"name,omitempty"`
	Company   string `json:"company,omitempty"`
	Address1  string `json:"address1,omitempty"`
	Address2  string `json:"address2,omitempty"`
	City      string `json:"city,omitempty"`
	Region    string `json:"region,omitempty"`
	Postal    string `json:"postal,omitempty"`
	Country   string `json:"country,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
}

// FullName prefers the explicit name and falls back to first + last.
func (a Address) FullName() string {
	if name := strings.TrimSpace(a.Name); name != "" {
		return name
	}
	return strings.TrimSpace(strings.TrimSpace(a.FirstName) + " " + strings.TrimSpace(a.LastName))
}

type LineItem struct {
	DscoItemID    string           `json:"dscoItemId,omitempty"`
	LineNumber    int              `json:"lineNumber,omitempty"`
	Sku           string           `json:"sku,omitempty"`
	PartnerSku    string           `json:"partnerSku,omitempty"`
	Upc           string           `json:"upc,omitempty"`
	Title         string           `json:"title,omitempty"`
	Quantity      int              `json:"quantity"`
	ExpectedCost  *decimal.Decimal `json:"expectedCost,omitempty"`
	ConsumerPrice *decimal.Decimal `json:"consumerPrice,omitempty"`
}

type Order struct {
	DscoOrderID         string     `json:"dscoOrderId"`
	PoNumber            string     `json:"poNumber,omitempty"`
	ConsumerOrderNumber string     `json:"consumerOrderNumber,omitempty"`
	DscoLifecycle       string     `json:"dscoLifecycle,omitempty"`
	DscoStatus          string     `json:"dscoStatus,omitempty"`
	RetailerCreateDate  string     `json:"retailerCreateDate,omitempty"`
	RequiredShipDate    string     `json:"requiredShipDate,omitempty"`
	Shipping            *Address   `json:"shipping,omitempty"`
	ShipTo              *Address   `json:"shipTo,omitempty"`
	ShipCarrier         string     `json:"shipCarrier,omitempty"`
	ShipMethod          string     `json:"shipMethod,omitempty"`
	LineItems           []LineItem `json:"lineItems"`
	TestFlag            bool       `json:"testFlag,omitempty"`
}

// ShipAddress returns the first populated ship-to block.
func (o Order) ShipAddress() *Address {
	if o.Shipping != nil {
		return o.Shipping
	}
	return o.ShipTo
}

type OrderQuery struct {
	UpdatedSince      string
	Statuses          []string
	IncludeTestOrders bool
	ScrollID          string
}

type OrderPage struct {
	Orders   []Order `json:"orders"`
	ScrollID string  `json:"scrollId,omitempty"`
}

type ShipmentLineItem struct {
	DscoItemID string `json:"dscoItemId,omitempty"`
	Sku        string `json:"sku,omitempty"`
	PartnerSku string `json:"partnerSku,omitempty"`
	Upc        string `json:"upc,omitempty"`
	Quantity   int    `json:"quantity"`
}

type Shipment struct {
	TrackingNumber string             `json:"trackingNumber"`
	ShipCarrier    string             `json:"shipCarrier,omitempty"`
	ShipMethod     string             `json:"shipMethod,omitempty"`
	ShipDate       string             `json:"shipDate,omitempty"`
	LineItems      []ShipmentLineItem `json:"lineItems"`
}

// ShipmentUpdate reports one or more packages against a source order.
type ShipmentUpdate struct {
	DscoOrderID string     `json:"dscoOrderId"`
	Shipments   []Shipment `json:"shipments"`
}

type UpdateResult struct {
	DscoOrderID string   `json:"dscoOrderId,omitempty"`
	Status      string   `json:"status,omitempty"`
	RequestID   string   `json:"requestId,omitempty"`
	Success     bool     `json:"success"`
	Messages    []string `json:"messages,omitempty"`
}

// Accepted treats either an explicit success flag or a success/accepted status
// as acceptance.
func (r UpdateResult) Accepted() bool {
	if r.Success {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "success", "accepted", "pending", "in_process":
		return true
	}
	return false
}
