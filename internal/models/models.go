package models

import "time"

const (
	// RequestTTL is how long a request stays open after creation.
	RequestTTL = 7 * 24 * time.Hour
	// MaxActiveRequests caps simultaneously active requests per customer.
	MaxActiveRequests = 3
	// MaxNotificationCount is the ceiling reported for either counter.
	MaxNotificationCount = 99
	// CurrentSchemaVersion is stamped on every newly created request.
	CurrentSchemaVersion = 1
)

type RequestStatus string

const (
	StatusActive    RequestStatus = "active"
	StatusFulfilled RequestStatus = "fulfilled"
	StatusExpired   RequestStatus = "expired"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusActive, StatusFulfilled, StatusExpired:
		return true
	}
	return false
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
)

type Role string

const (
	RoleDriver   Role = "driver"
	RoleCustomer Role = "customer"
)

func (r Role) Valid() bool { return r == RoleDriver || r == RoleCustomer }

// Offer is a driver's bid embedded in a BookingRequest. It has no identity
// outside its parent; within it the driver id is the key.
type Offer struct {
	DriverID    string      `json:"driverId" validate:"required"`
	DriverName  string      `json:"driverName" validate:"required"`
	DriverPhone string      `json:"driverPhone"`
	CarMake     string      `json:"carMake"`
	HasAC       bool        `json:"hasAC"`
	Price       float64     `json:"price" validate:"gt=0"`
	Message     string      `json:"message" validate:"max=1000"`
	Status      OfferStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// BookingRequest is a customer's posted need for a car or trip.
type BookingRequest struct {
	ID            string `json:"id"`
	SchemaVersion int    `json:"schemaVersion"`

	UserID    string `json:"userId" validate:"required"`
	UserName  string `json:"userName" validate:"required"`
	UserEmail string `json:"userEmail,omitempty" validate:"omitempty,email"`
	UserPhone string `json:"userPhone,omitempty"`
	UserCity  string `json:"userCity"`

	CarType     string  `json:"carType" validate:"required"`
	StartDate   string  `json:"startDate" validate:"required"`
	EndDate     string  `json:"endDate"`
	Budget      string  `json:"budget"`
	Location    string  `json:"location" validate:"required"`
	State       *string `json:"state,omitempty"`
	City        *string `json:"city,omitempty"`
	Destination *string `json:"destination,omitempty"`
	IsSameCity  *bool   `json:"isSameCity,omitempty"`
	Passengers  int     `json:"passengers" validate:"gte=0,lte=100"`
	TripType    string  `json:"tripType"`
	Description string  `json:"description" validate:"max=2000"`
	Negotiable  bool    `json:"negotiable"`
	Urgent      bool    `json:"urgent"`

	Status    RequestStatus `json:"status"`
	Offers    []Offer       `json:"offers"`
	Views     int64         `json:"views"`
	ExpiresAt time.Time     `json:"expiresAt"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share offers or optional
// fields with the store.
func (r *BookingRequest) Clone() *BookingRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.Offers != nil {
		c.Offers = make([]Offer, len(r.Offers))
		copy(c.Offers, r.Offers)
	}
	c.State = cloneString(r.State)
	c.City = cloneString(r.City)
	c.Destination = cloneString(r.Destination)
	if r.IsSameCity != nil {
		v := *r.IsSameCity
		c.IsSameCity = &v
	}
	return &c
}

// OfferIndex returns the position of driverID's offer, or -1.
func (r *BookingRequest) OfferIndex(driverID string) int {
	for i, o := range r.Offers {
		if o.DriverID == driverID {
			return i
		}
	}
	return -1
}

// HasOfferFrom reports whether driverID already bid on the request.
func (r *BookingRequest) HasOfferFrom(driverID string) bool {
	return r.OfferIndex(driverID) >= 0
}

// EffectiveStatus reconciles the stored status against the expiry time.
// A request past ExpiresAt is expired whatever its stored status says.
func (r *BookingRequest) EffectiveStatus(now time.Time) RequestStatus {
	if now.After(r.ExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

// RequestPatch is a partial update of the owner-editable trip facets.
// Nil fields are left untouched.
type RequestPatch struct {
	CarType     *string `json:"carType,omitempty"`
	StartDate   *string `json:"startDate,omitempty"`
	EndDate     *string `json:"endDate,omitempty"`
	Budget      *string `json:"budget,omitempty"`
	Location    *string `json:"location,omitempty"`
	State       *string `json:"state,omitempty"`
	City        *string `json:"city,omitempty"`
	Destination *string `json:"destination,omitempty"`
	IsSameCity  *bool   `json:"isSameCity,omitempty"`
	Passengers  *int    `json:"passengers,omitempty" validate:"omitempty,gte=0,lte=100"`
	TripType    *string `json:"tripType,omitempty"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=2000"`
	Negotiable  *bool   `json:"negotiable,omitempty"`
	Urgent      *bool   `json:"urgent,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p RequestPatch) Empty() bool {
	return p == RequestPatch{}
}

// Apply merges the patch into r. Required fields may not be blanked.
func (p RequestPatch) Apply(r *BookingRequest) {
	setString(&r.CarType, p.CarType)
	setString(&r.StartDate, p.StartDate)
	setString(&r.EndDate, p.EndDate)
	setString(&r.Budget, p.Budget)
	setString(&r.Location, p.Location)
	setString(&r.TripType, p.TripType)
	setString(&r.Description, p.Description)
	if p.State != nil {
		r.State = cloneString(p.State)
	}
	if p.City != nil {
		r.City = cloneString(p.City)
	}
	if p.Destination != nil {
		r.Destination = cloneString(p.Destination)
	}
	if p.IsSameCity != nil {
		v := *p.IsSameCity
		r.IsSameCity = &v
	}
	if p.Passengers != nil {
		r.Passengers = *p.Passengers
	}
	if p.Negotiable != nil {
		r.Negotiable = *p.Negotiable
	}
	if p.Urgent != nil {
		r.Urgent = *p.Urgent
	}
}

// Filter is a conjunction over status, urgency and owner. Zero values match
// everything.
type Filter struct {
	Status  *RequestStatus `json:"status,omitempty"`
	Urgent  *bool          `json:"urgent,omitempty"`
	OwnerID string         `json:"ownerId,omitempty"`
}

func (f Filter) Matches(r *BookingRequest) bool {
	if r == nil {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.Urgent != nil && r.Urgent != *f.Urgent {
		return false
	}
	if f.OwnerID != "" && r.UserID != f.OwnerID {
		return false
	}
	return true
}

// ActiveFilter selects stored-active requests, optionally restricted to one owner.
func ActiveFilter(ownerID string) Filter {
	s := StatusActive
	return Filter{Status: &s, OwnerID: ownerID}
}

// Snapshot is a full result set, emitted on every change.
type Snapshot struct {
	Requests []BookingRequest `json:"requests"`
	At       time.Time        `json:"at"`
}

// DriverLocation is a driver's declared operating area.
type DriverLocation struct {
	State string `json:"state"`
	City  string `json:"city"`
}

// Counts carries both derived notification counters.
type Counts struct {
	DriverCount   int `json:"driverCount"`
	CustomerCount int `json:"customerCount"`
}

// StringPtr is a small helper for optional string fields.
func StringPtr(s string) *string { return &s }

// BoolPtr is a small helper for optional bool fields.
func BoolPtr(b bool) *bool { return &b }

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
