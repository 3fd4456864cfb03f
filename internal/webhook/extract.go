package webhook

import (
	"strconv"

	"github.com/agentworkforce/ordersync/internal/downstream"
)

// Extractor reads one value from a notification entity, returning "" when
// absent.
type Extractor func(entity map[string]any) string

// Field follows path through nested objects.
func Field(path ...string) Extractor {
	return func(entity map[string]any) string {
		var cur any = entity
		for _, key := range path {
			obj, ok := cur.(map[string]any)
			if !ok {
				return ""
			}
			cur = obj[key]
		}
		return stringValue(cur)
	}
}

// FirstOf returns the first non-empty extraction.
func FirstOf(extractors ...Extractor) Extractor {
	return func(entity map[string]any) string {
		for _, extract := range extractors {
			if v := extract(entity); v != "" {
				return v
			}
		}
		return ""
	}
}

var (
	ShipmentID = FirstOf(
		Field("shipment_id"),
		Field("shipmentId"),
		Field("shipment", "shipment_id"),
		Field("fulfillment", "shipment_id"),
		Field("label", "shipment_id"),
	)
	ShipmentNumber = FirstOf(Field("shipment_number"), Field("shipmentNumber"), Field("shipment", "shipment_number"))
	OrderID        = FirstOf(Field("order_id"), Field("orderId"), Field("shipment", "order_id"))
	OrderNumber    = FirstOf(Field("order_number"), Field("orderNumber"), Field("shipment", "order_number"))
	TrackingNumber = FirstOf(
		Field("tracking_number"),
		Field("trackingNumber"),
		Field("tracking", "tracking_number"),
		Field("label", "tracking_number"),
	)
	Carrier = FirstOf(
		Field("carrier_code"),
		Field("carrierCode"),
		Field("carrier"),
		Field("carrier_id"),
		Field("label", "carrier_code"),
	)
	ShipDate    = FirstOf(Field("ship_date"), Field("shipDate"), Field("shipped_at"), Field("fulfillment_date"))
	ServiceCode = FirstOf(Field("service_code"), Field("serviceCode"))
)

// ShipmentFromEntity builds a shipment from whatever the notification
// carried. Fields it lacks stay empty.
func ShipmentFromEntity(entity map[string]any) downstream.Shipment {
	shipment := downstream.Shipment{
		ShipmentID:     ShipmentID(entity),
		ShipmentNumber: ShipmentNumber(entity),
		OrderID:        OrderID(entity),
		OrderNumber:    OrderNumber(entity),
		TrackingNumber: TrackingNumber(entity),
		CarrierCode:    Carrier(entity),
		ShipDate:       ShipDate(entity),
		ServiceCode:    ServiceCode(entity),
		AdvancedOptions: downstream.AdvancedOptions{
			CustomField1: FirstOf(Field("advanced_options", "custom_field1"), Field("advancedOptions", "customField1"))(entity),
			CustomField2: FirstOf(Field("advanced_options", "custom_field2"), Field("advancedOptions", "customField2"))(entity),
			CustomField3: FirstOf(Field("advanced_options", "custom_field3"), Field("advancedOptions", "customField3"))(entity),
		},
	}
	if tags, ok := entity["tags"].([]any); ok {
		for _, tag := range tags {
			switch t := tag.(type) {
			case map[string]any:
				shipment.Tags = append(shipment.Tags, downstream.Tag{Name: FirstOf(Field("name"), Field("tag_id"))(t)})
			default:
				shipment.Tags = append(shipment.Tags, downstream.Tag{Name: stringValue(t)})
			}
		}
	}
	items, _ := entity["items"].([]any)
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		qty, _ := strconv.Atoi(Field("quantity")(item))
		shipment.Items = append(shipment.Items, downstream.ShipmentItem{
			LineItemID:          Field("line_item_id")(item),
			ExternalOrderItemID: FirstOf(Field("external_order_item_id"), Field("lineItemKey"), Field("line_item_key"))(item),
			SKU:                 Field("sku")(item),
			PartnerSKU:          FirstOf(Field("partner_sku"), Field("partnerSku"))(item),
			UPC:                 Field("upc")(item),
			Name:                Field("name")(item),
			Quantity:            qty,
		})
	}
	return shipment
}

// Merge fills empty fields of base from overlay.
func Merge(base, overlay downstream.Shipment) downstream.Shipment {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&base.ShipmentID, overlay.ShipmentID)
	fill(&base.ShipmentNumber, overlay.ShipmentNumber)
	fill(&base.OrderID, overlay.OrderID)
	fill(&base.OrderNumber, overlay.OrderNumber)
	fill(&base.TrackingNumber, overlay.TrackingNumber)
	fill(&base.CarrierCode, overlay.CarrierCode)
	fill(&base.ShipDate, overlay.ShipDate)
	fill(&base.ServiceCode, overlay.ServiceCode)
	fill(&base.AdvancedOptions.CustomField1, overlay.AdvancedOptions.CustomField1)
	fill(&base.AdvancedOptions.CustomField2, overlay.AdvancedOptions.CustomField2)
	fill(&base.AdvancedOptions.CustomField3, overlay.AdvancedOptions.CustomField3)
	if len(base.Tags) == 0 {
		base.Tags = overlay.Tags
	}
	if len(base.Items) == 0 {
		base.Items = overlay.Items
	}
	return base
}
