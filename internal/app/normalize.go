package app

import (
	"sort"
	"strings"

	"campus_listings/internal/domain"
)

var nestedKeys = []string{"location", "specifications", "premiumDetails", "availability", "price"}

// ClassifyDocument tags a decoded property document with its shape. A
// document is nested as soon as one of the known sub-objects is an object.
func ClassifyDocument(doc map[string]any) domain.SourceDocument {
	if doc == nil {
		doc = map[string]any{}
	}
	for _, k := range nestedKeys {
		if _, ok := subObject(doc, k); ok {
			return domain.NestedShape{Doc: doc}
		}
	}
	return domain.LegacyShape{Doc: doc}
}

// Normalize converts any property document into the canonical record. It
// never fails: every field has a default.
func Normalize(doc map[string]any) domain.PropertyRecord {
	return NormalizeDocument(ClassifyDocument(doc))
}

// NormalizeDocument builds the canonical record. Each nested sub-object,
// when present, wins as a whole; flat fields are only read when it is absent.
func NormalizeDocument(src domain.SourceDocument) domain.PropertyRecord {
	d := src.Fields()
	if d == nil {
		d = map[string]any{}
	}
	rec := domain.PropertyRecord{
		ID:             firstString(d, propertyAliases["id"]...),
		Title:          firstString(d, propertyAliases["title"]...),
		Description:    firstString(d, propertyAliases["description"]...),
		Price:          normalizePrice(d),
		Location:       normalizeLocation(d),
		Specifications: normalizeSpecifications(d),
		Availability:   normalizeAvailability(d),
		Images:         normalizeImages(firstPresent(d, propertyAliases["images"]...)),
		Amenities:      normalizeAmenities(firstPresent(d, propertyAliases["amenities"]...)),
		Premium:        normalizePremium(d),
		UnlockedHint:   firstBool(d, propertyAliases["hint"]...),
	}
	rec.Locked = rec.Premium.Redacted
	return rec
}

func normalizePrice(d map[string]any) domain.Price {
	var p domain.Price
	if obj, ok := subObject(d, "price"); ok {
		p.Amount = firstFloat(obj, nestedAliases["amount"]...)
		p.Period = firstString(obj, nestedAliases["period"]...)
	} else {
		p.Amount = firstFloat(d, "price", "rent")
		p.Period = firstString(d, flatAliases["period"]...)
	}
	if p.Period == "" {
		p.Period = domain.DefaultPricePeriod
	}
	return p
}

func normalizeLocation(d map[string]any) domain.Location {
	var l domain.Location
	if obj, ok := subObject(d, "location"); ok {
		l.Area = firstString(obj, "area", "name")
		l.DistanceFromCampus = normalizeDistance(firstPresent(obj, "distanceFromCampus", "distance"), obj["distanceUnit"])
	} else {
		// legacy documents sometimes carry the area as a plain location string
		l.Area = firstString(d, "area", "location")
		l.DistanceFromCampus = normalizeDistance(firstPresent(d, flatAliases["distance"]...), firstPresent(d, flatAliases["distanceUnit"]...))
	}
	if l.Area == "" {
		l.Area = domain.DefaultArea
	}
	return l
}

// normalizeDistance accepts {value, unit} or a bare number with a sibling unit.
func normalizeDistance(v any, unit any) domain.Distance {
	if obj, ok := v.(map[string]any); ok {
		return domain.Distance{
			Value: firstFloat(obj, "value", "amount"),
			Unit:  firstString(obj, "unit"),
		}
	}
	f, _ := floatOf(v)
	return domain.Distance{Value: f, Unit: stringOf(unit)}
}

func normalizeSpecifications(d map[string]any) domain.Specifications {
	src, aliases := d, flatAliases
	if obj, ok := subObject(d, "specifications"); ok {
		src, aliases = obj, nestedAliases
	}
	return domain.Specifications{
		Bedrooms:     firstInt(src, "bedrooms"),
		Bathrooms:    firstInt(src, "bathrooms"),
		PropertyType: firstString(src, aliases["propertyType"]...),
		Size:         firstString(src, "size"),
	}
}

func normalizeAvailability(d map[string]any) domain.Availability {
	src := d
	if obj, ok := subObject(d, "availability"); ok {
		src = obj
	}
	a := domain.Availability{
		Vacancies:     firstInt(src, "vacancies", "vacantRooms"),
		AvailableFrom: firstString(src, "availableFrom", "available_from"),
	}
	if a.AvailableFrom == "" {
		a.AvailableFrom = domain.DefaultAvailableFrom
	}
	return a
}

// normalizePremium returns real values when the document carries any premium
// field, otherwise the explicit redacted block.
func normalizePremium(d map[string]any) domain.Premium {
	var (
		p     domain.Premium
		found bool
	)
	if obj, ok := subObject(d, "premiumDetails"); ok {
		p.ExactAddress = firstString(obj, nestedAliases["exactAddress"]...)
		if gps, ok := normalizeCoordinates(firstPresent(obj, nestedAliases["gps"]...)); ok {
			p.GPSCoordinates, found = gps, true
		}
		if ct, ok := subObject(obj, "caretaker"); ok {
			p.Caretaker = domain.Caretaker{
				Name:  firstString(ct, "name"),
				Phone: firstString(ct, "phone", "phoneNumber"),
			}
		}
	} else {
		p.ExactAddress = firstString(d, flatAliases["exactAddress"]...)
		gps, ok := normalizeCoordinates(firstPresent(d, flatAliases["gps"]...))
		if !ok {
			gps, ok = normalizeCoordinates(map[string]any{"lat": d["latitude"], "lng": d["longitude"]})
		}
		if ok {
			p.GPSCoordinates, found = gps, true
		}
		p.Caretaker = domain.Caretaker{
			Name:  firstString(d, flatAliases["caretakerName"]...),
			Phone: firstString(d, flatAliases["caretaker"]...),
		}
	}
	found = found || p.ExactAddress != "" || p.Caretaker.Phone != "" || p.Caretaker.Name != ""
	if !found {
		return domain.RedactedPremium()
	}
	return p
}

// normalizeCoordinates accepts {lat,lng}, {latitude,longitude} or [lat,lng].
func normalizeCoordinates(v any) (domain.Coordinates, bool) {
	switch t := v.(type) {
	case map[string]any:
		lat, okLat := floatOf(firstPresent(t, nestedAliases["lat"]...))
		lng, okLng := floatOf(firstPresent(t, nestedAliases["lng"]...))
		if okLat && okLng {
			return domain.Coordinates{Lat: lat, Lng: lng}, true
		}
	case []any:
		if len(t) == 2 {
			lat, okLat := floatOf(t[0])
			lng, okLng := floatOf(t[1])
			if okLat && okLng {
				return domain.Coordinates{Lat: lat, Lng: lng}, true
			}
		}
	}
	return domain.Coordinates{}, false
}

// normalizeImages accepts URL strings or {url, id} objects and keeps order.
// Falsy entries become the placeholder image.
func normalizeImages(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			raw = make([]any, len(ss))
			for i, s := range ss {
				raw[i] = s
			}
		}
	}
	out := make([]string, 0, len(raw))
	for _, it := range raw {
		url := ""
		switch t := it.(type) {
		case string:
			url = strings.TrimSpace(t)
		case map[string]any:
			url = firstString(t, "url", "src")
		}
		if url == "" {
			url = domain.PlaceholderImage
		}
		out = append(out, url)
	}
	return out
}

// normalizeAmenities accepts a list of names or a name->bool object. Object
// keys are sorted because decoded JSON objects carry no order.
func normalizeAmenities(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case []any:
		for _, it := range t {
			if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range t {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case map[string]any:
		for name, present := range t {
			if truthy(present) && strings.TrimSpace(name) != "" {
				out = append(out, strings.TrimSpace(name))
			}
		}
		sort.Strings(out)
	}
	return out
}
