package convo

import "strings"

const (
	IntentGreeting        = "greeting"
	IntentBusinessInquiry = "business_inquiry"
	IntentPricingInquiry  = "pricing_inquiry"
	IntentTransferRequest = "transfer_request"
	IntentNotInterested   = "not_interested"
	IntentGeneralInquiry  = "general_inquiry"
)

// Decision is the control-signal classification of one user utterance.
type Decision struct {
	Intent         string
	Confidence     float64
	ShouldTransfer bool
	ShouldEndCall  bool
}

// ClassifyIntent derives the turn's control signals from keywords in the
// user utterance. It is a pure function; the reply text comes from the
// responder, not from here.
func ClassifyIntent(utterance string) Decision {
	input := strings.ToLower(strings.TrimSpace(utterance))

	if containsAny(input, "hello", "hi", "hey") {
		return Decision{Intent: IntentGreeting, Confidence: 0.9}
	}
	if containsAny(input, "business", "service", "help") {
		return Decision{Intent: IntentBusinessInquiry, Confidence: 0.8}
	}
	if containsAny(input, "price", "cost", "expensive") {
		return Decision{Intent: IntentPricingInquiry, Confidence: 0.8, ShouldTransfer: true}
	}
	if containsAny(input, "human", "person", "representative") {
		return Decision{Intent: IntentTransferRequest, Confidence: 0.9, ShouldTransfer: true}
	}
	if containsAny(input, "not interested", "no thank", "busy") {
		return Decision{Intent: IntentNotInterested, Confidence: 0.8, ShouldEndCall: true}
	}
	return Decision{Intent: IntentGeneralInquiry, Confidence: 0.6}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
