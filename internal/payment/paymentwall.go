// Package payment provides callback verifiers for the supported payment
// processors.
package payment

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/onnwee/pingback/internal/pingback"
)

// SourcePaymentwall names the Paymentwall processor in records and metrics.
const SourcePaymentwall = "paymentwall"

// Paymentwall signature versions.
const (
	SignatureV1 = 1
	SignatureV2 = 2
	SignatureV3 = 3
)

// Paymentwall pingback types.
const (
	TypeRegular      = 0
	TypeGoodwill     = 1
	TypeNegative     = 2
	TypeUnderReview  = 200
	TypeRiskAccepted = 201
	TypeRiskDeclined = 202
)

// DefaultPaymentwallIPs are the addresses Paymentwall sends pingbacks from.
var DefaultPaymentwallIPs = []string{
	"174.36.92.186",
	"174.36.96.66",
	"174.36.92.187",
	"174.36.92.192",
	"174.37.14.28",
	"216.127.71.0/24",
}

// ErrMissingSecret is returned when a verifier is created without a secret.
var ErrMissingSecret = errors.New("verifier secret cannot be empty")

// PaymentwallVerifier checks Paymentwall pingback signatures. The payload is
// the raw query string of the pingback request.
type PaymentwallVerifier struct {
	secret string
}

// NewPaymentwallVerifier returns a verifier for the project secret key.
func NewPaymentwallVerifier(secret string) (*PaymentwallVerifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &PaymentwallVerifier{secret: secret}, nil
}

// Verify checks the signature, the test flag and the pingback type.
func (v *PaymentwallVerifier) Verify(ctx context.Context, cb pingback.IncomingCallback, mode pingback.Mode) (pingback.VerifiedEvent, error) {
	params, err := url.ParseQuery(cb.Payload)
	if err != nil {
		return pingback.VerifiedEvent{}, reject(pingback.ErrVerificationFailed, "", "malformed query string")
	}
	kind := params.Get("type")

	var missing []string
	for _, key := range []string{"uid", "goodsid", "type", "ref", "sig"} {
		if params.Get(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return pingback.VerifiedEvent{}, reject(pingback.ErrVerificationFailed, kind,
			"missing parameters: "+strings.Join(missing, ", "))
	}

	version := SignatureV1
	if sv := params.Get("sign_version"); sv != "" {
		switch sv {
		case "1":
			version = SignatureV1
		case "2":
			version = SignatureV2
		case "3":
			version = SignatureV3
		default:
			return pingback.VerifiedEvent{}, reject(pingback.ErrVerificationFailed, kind,
				fmt.Sprintf("unsupported sign_version %q", sv))
		}
	}

	expected := Sign(params, v.secret, version)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(params.Get("sig")))) != 1 {
		return pingback.VerifiedEvent{}, reject(pingback.ErrVerificationFailed, kind, "wrong signature")
	}

	isTest := params.Get("is_test") == "1"
	if isTest && mode == pingback.ModeLive {
		return pingback.VerifiedEvent{}, reject(pingback.ErrVerificationFailed, kind, "test pingback in live mode")
	}

	if !deliverable(kind) {
		return pingback.VerifiedEvent{}, reject(pingback.ErrNotDeliverable, kind,
			fmt.Sprintf("pingback type %s is not deliverable", kind))
	}

	return pingback.NewVerifiedEvent(pingback.EventAttributes{
		Source:    SourcePaymentwall,
		Kind:      kind,
		ProductID: params.Get("goodsid"),
		AccountID: params.Get("uid"),
		EventID:   params.Get("ref"),
		Reference: params.Get("ref"),
		TestMode:  isTest || mode == pingback.ModeTest,
	}), nil
}

// Sign computes the pingback signature of params for a signature version.
// The sig parameter itself is ignored.
func Sign(params url.Values, secret string, version int) string {
	var b strings.Builder

	switch version {
	case SignatureV2, SignatureV3:
		writeSortedParams(&b, params)
	default:
		for _, k := range []string{"uid", "goodsid", "slength", "speriod", "type", "ref"} {
			b.WriteString(params.Get(k))
		}
	}
	b.WriteString(secret)

	if version == SignatureV3 {
		sum := sha256.Sum256([]byte(b.String()))
		return hex.EncodeToString(sum[:])
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// arrayItem is one element of an array parameter sent as name[index]=value.
type arrayItem struct {
	index string
	value string
}

// writeSortedParams writes name=value pairs sorted by name. An array
// parameter (name[index]=value or repeated name[]=value) is written as
// name[index]=value pairs sorted by index within its name. A repeated plain
// parameter contributes its last value.
func writeSortedParams(b *strings.Builder, params url.Values) {
	plain := make(map[string]string)
	arrays := make(map[string][]arrayItem)
	for k, vs := range params {
		if k == "sig" || len(vs) == 0 {
			continue
		}
		name, index, isArray := splitArrayKey(k)
		switch {
		case !isArray:
			plain[name] = vs[len(vs)-1]
		case index == "":
			for _, v := range vs {
				arrays[name] = append(arrays[name], arrayItem{index: strconv.Itoa(len(arrays[name])), value: v})
			}
		default:
			arrays[name] = append(arrays[name], arrayItem{index: index, value: vs[len(vs)-1]})
		}
	}

	names := make([]string, 0, len(plain)+len(arrays))
	for name := range plain {
		if _, ok := arrays[name]; !ok {
			names = append(names, name)
		}
	}
	for name := range arrays {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		items, ok := arrays[name]
		if !ok {
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(plain[name])
			continue
		}
		sort.SliceStable(items, func(i, j int) bool { return indexLess(items[i].index, items[j].index) })
		for _, it := range items {
			b.WriteString(name)
			b.WriteByte('[')
			b.WriteString(it.index)
			b.WriteString("]=")
			b.WriteString(it.value)
		}
	}
}

// splitArrayKey splits "name[index]" into name and index.
func splitArrayKey(k string) (name, index string, isArray bool) {
	i := strings.IndexByte(k, '[')
	if i <= 0 || !strings.HasSuffix(k, "]") {
		return k, "", false
	}
	return k[:i], k[i+1 : len(k)-1], true
}

// indexLess orders numeric indexes numerically and everything else as strings.
func indexLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

// deliverable reports whether the pingback type confirms a payment.
// Negative, under-review and risk-declined pingbacks are not deliverable.
func deliverable(kind string) bool {
	n, err := strconv.Atoi(kind)
	if err != nil {
		return false
	}
	switch n {
	case TypeRegular, TypeGoodwill, TypeRiskAccepted:
		return true
	}
	return false
}

func reject(sentinel error, kind, summary string) error {
	return &pingback.VerificationError{Err: sentinel, Kind: kind, Summary: summary}
}
