package directory

import "strings"

// Paths under the owner's public namespace. Writers and readers must agree
// on these byte-for-byte.
const (
	PubRoot          = "/pub/paykit"
	MethodsPath      = PubRoot + "/methods.json"
	RequestsPrefix   = PubRoot + "/requests/"
	AgreementsPrefix = PubRoot + "/subscriptions/agreements/"
)

// RequestPath returns the notification path for one payment request.
func RequestPath(requestId string) string {
	return RequestsPrefix + requestId + ".json"
}

// AgreementPath returns the publication path for one signed subscription.
func AgreementPath(subscriptionId string) string {
	return AgreementsPrefix + subscriptionId + ".json"
}

// RequestIdFromPath recovers the request id from a listing entry; empty when
// the path does not belong to the requests namespace.
func RequestIdFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, RequestsPrefix)
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, ".json")
	if !ok || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}
