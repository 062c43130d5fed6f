package geolocation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Fields holds the gjson paths used to read a location out of a provider response.
type Fields struct {
	IP      string
	Country string
	// CountryName takes precedence over Country when the response carries it.
	// ISO codes read from Country are turned into English names.
	CountryName string
	Region      string
	City        string
}

// DefaultFields matches the ipinfo.io response layout.
var DefaultFields = Fields{
	IP:          "ip",
	Country:     "country",
	CountryName: "country_name",
	Region:      "region",
	City:        "city",
}

type HTTPConfig struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	MaxRetry     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RateLimit caps the requests per second sent to the api, zero means unlimited.
	RateLimit float64
	Fields    Fields
}

// HTTPLocator resolves addresses through a JSON geolocation api, one GET <baseURL>/<ip> per address.
type HTTPLocator struct {
	baseURL string
	token   string
	fields  Fields
	client  *retryablehttp.Client
	limiter *rate.Limiter
}

func NewHTTPLocator(conf HTTPConfig) (*HTTPLocator, error) {
	if _, err := url.ParseRequestURI(conf.BaseURL); err != nil {
		return nil, fmt.Errorf("parsing geolocation base url %q: %w", conf.BaseURL, err)
	}
	if conf.Fields == (Fields{}) {
		conf.Fields = DefaultFields
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = conf.Timeout
	client.Logger = nil // to avoid debug logs
	client.RetryMax = conf.MaxRetry
	if conf.RetryWaitMin > 0 {
		client.RetryWaitMin = conf.RetryWaitMin
	}
	if conf.RetryWaitMax > 0 {
		client.RetryWaitMax = conf.RetryWaitMax
	}

	h := &HTTPLocator{
		baseURL: strings.TrimSuffix(conf.BaseURL, "/"),
		token:   conf.Token,
		fields:  conf.Fields,
		client:  client,
	}
	if conf.RateLimit > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(conf.RateLimit), 1)
	}
	return h, nil
}

func (h *HTTPLocator) Locate(ctx context.Context, ip string) (Location, error) {
	if strings.TrimSpace(ip) == "" {
		return Location{}, ErrInvalidIP
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return Location{}, fmt.Errorf("waiting for geolocation rate limit: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return Location{}, fmt.Errorf("creating geolocation request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("requesting geolocation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Location{}, fmt.Errorf("reading geolocation response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Location{}, fmt.Errorf("geolocation request returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return Location{}, fmt.Errorf("geolocation response is not valid json: %s", strings.TrimSpace(string(body)))
	}

	result := gjson.ParseBytes(body)
	if result.Get("bogon").Bool() {
		return Location{}, ErrBogon
	}
	country := result.Get(h.fields.Country)
	if !country.Exists() || country.String() == "" {
		return Location{}, ErrNotFound
	}

	countryName := CountryName(country.String())
	if h.fields.CountryName != "" {
		if name := result.Get(h.fields.CountryName).String(); name != "" {
			countryName = name
		}
	}

	loc := Location{
		IP:      result.Get(h.fields.IP).String(),
		Country: countryName,
		Region:  result.Get(h.fields.Region).String(),
		City:    result.Get(h.fields.City).String(),
	}
	if loc.IP == "" {
		loc.IP = ip
	}
	return loc, nil
}
