package domain

// Defaults and redaction markers shared by the normalizer and the gate.
const (
	DefaultArea          = "Unknown Area"
	DefaultAvailableFrom = "Available Now"
	DefaultPricePeriod   = "month"
	PlaceholderImage     = "/static/img/property-placeholder.jpg"

	RedactedAddress = "Unlock to view the exact address"
	RedactedName    = "Unlock to view caretaker"
	RedactedPhone   = "Unlock to view phone number"
)

// Source document shapes.
const (
	ShapeLegacy = "legacy"
	ShapeNested = "nested"
)

// PropertyRecord is the canonical view of a property, independent of the
// document shape it was decoded from.
type PropertyRecord struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Price          Price          `json:"price"`
	Location       Location       `json:"location"`
	Specifications Specifications `json:"specifications"`
	Availability   Availability   `json:"availability"`
	Images         []string       `json:"images"`
	Amenities      []string       `json:"amenities"`
	Premium        Premium        `json:"premium"`
	Locked         bool           `json:"locked"`

	// UnlockedHint mirrors an unlock flag found on a fetched document.
	// It is never used to grant access.
	UnlockedHint *bool `json:"-"`
}

type Price struct {
	Amount float64 `json:"amount"`
	Period string  `json:"period"`
}

type Location struct {
	Area               string   `json:"area"`
	DistanceFromCampus Distance `json:"distanceFromCampus"`
}

type Distance struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type Specifications struct {
	Bedrooms     int    `json:"bedrooms"`
	Bathrooms    int    `json:"bathrooms"`
	PropertyType string `json:"propertyType"`
	Size         string `json:"size"`
}

type Availability struct {
	Vacancies     int    `json:"vacancies"`
	AvailableFrom string `json:"availableFrom"`
}

// Premium is always present on a record. Redacted marks the placeholder
// variant; real values and placeholders are never mixed.
type Premium struct {
	ExactAddress   string      `json:"exactAddress"`
	GPSCoordinates Coordinates `json:"gpsCoordinates"`
	Caretaker      Caretaker   `json:"caretaker"`
	Redacted       bool        `json:"redacted"`
}

type Coordinates struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Hidden bool    `json:"hidden"`
}

type Caretaker struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// RedactedPremium is the placeholder block shown to viewers without a grant.
func RedactedPremium() Premium {
	return Premium{
		ExactAddress:   RedactedAddress,
		GPSCoordinates: Coordinates{Hidden: true},
		Caretaker:      Caretaker{Name: RedactedName, Phone: RedactedPhone},
		Redacted:       true,
	}
}

// SourceDocument is a property document tagged with the shape it arrived in.
type SourceDocument interface {
	Shape() string
	Fields() map[string]any
}

// LegacyShape is the older flat document: price, bedrooms, area,
// exactLocation and caretakerPhone at the top level.
type LegacyShape struct{ Doc map[string]any }

// NestedShape groups fields under location, specifications, price,
// availability and premiumDetails sub-objects.
type NestedShape struct{ Doc map[string]any }

func (LegacyShape) Shape() string            { return ShapeLegacy }
func (s LegacyShape) Fields() map[string]any { return s.Doc }
func (NestedShape) Shape() string            { return ShapeNested }
func (s NestedShape) Fields() map[string]any { return s.Doc }
