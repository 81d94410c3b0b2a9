package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a Directory backed by a remote FHIR R4 server. Only the
// Patient read and search interactions are used; the client never writes.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewClient creates a client for the FHIR server at baseURL. authToken,
// when non-empty, is sent as a bearer credential on every request.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// PatientByID implements Directory via GET {base}/Patient/{id}.
func (c *Client) PatientByID(ctx context.Context, id string) (*Patient, error) {
	var res patientResource
	if err := c.get(ctx, "/Patient/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return res.toPatient(), nil
}

// PatientByPhone implements Directory via a telecom search.
func (c *Client) PatientByPhone(ctx context.Context, phone string) (*Patient, error) {
	return c.searchOne(ctx, url.Values{"phone": {phone}})
}

// PatientByContact implements Directory via a telecom search. The FHIR
// "telecom" search parameter matches both phone and email contact points.
func (c *Client) PatientByContact(ctx context.Context, identifier string) (*Patient, error) {
	return c.searchOne(ctx, url.Values{"telecom": {identifier}})
}

func (c *Client) searchOne(ctx context.Context, params url.Values) (*Patient, error) {
	params.Set("_count", "1")
	var bundle searchBundle
	if err := c.get(ctx, "/Patient", params, &bundle); err != nil {
		return nil, err
	}
	if len(bundle.Entry) == 0 {
		return nil, ErrNotFound
	}
	return bundle.Entry[0].Resource.toPatient(), nil
}

// get performs one GET against the FHIR server. A 404 or 410 maps to
// ErrNotFound; any transport error is wrapped so the caller's service
// layer can degrade it to a not-found outcome.
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("fhir server returned status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode fhir response: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// FHIR wire types
// ---------------------------------------------------------------------------

type searchBundle struct {
	Entry []struct {
		Resource patientResource `json:"resource"`
	} `json:"entry"`
}

type patientResource struct {
	ID   string `json:"id"`
	Name []struct {
		Family string   `json:"family"`
		Given  []string `json:"given"`
	} `json:"name"`
	BirthDate string `json:"birthDate"`
	Address   []struct {
		Line       []string `json:"line"`
		City       string   `json:"city"`
		PostalCode string   `json:"postalCode"`
	} `json:"address"`
	Telecom []struct {
		System string `json:"system"`
		Value  string `json:"value"`
	} `json:"telecom"`
}

func (r *patientResource) toPatient() *Patient {
	p := &Patient{ID: r.ID}
	if len(r.Name) > 0 {
		p.Family = r.Name[0].Family
		p.Given = r.Name[0].Given
	}
	// FHIR birthDate carries no time component; midnight UTC is fine since
	// factor matching compares calendar dates only.
	if r.BirthDate != "" {
		if t, err := time.Parse("2006-01-02", r.BirthDate); err == nil {
			p.BirthDate = t
		}
	}
	for _, a := range r.Address {
		p.Addresses = append(p.Addresses, Address{
			Lines:      a.Line,
			City:       a.City,
			PostalCode: a.PostalCode,
		})
	}
	for _, t := range r.Telecom {
		p.Telecoms = append(p.Telecoms, Telecom{System: t.System, Value: t.Value})
	}
	return p
}
