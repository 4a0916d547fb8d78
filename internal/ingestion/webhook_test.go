package ingestion

import (
	"testing"

	"github.com/activekg/activekg/internal/ingestion/connector"
)

func TestTenantFromTopic(t *testing.T) {
	cases := map[string]string{
		"arn:aws:sns:us-east-1:123456789012:activekg-s3-acme": "acme",
		"projects/p/topics/activekg-gcs-globex":                "globex",
		"arn:aws:sns:us-east-1:123456789012:unrelated-topic":   "",
	}
	for topic, want := range cases {
		if got := tenantFromTopic(topic); got != want {
			t.Errorf("tenantFromTopic(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestTopicAllowed(t *testing.T) {
	patterns := []string{"arn:aws:sns:*:*:activekg-s3-acme"}
	if !topicAllowed(patterns, "arn:aws:sns:us-east-1:123:activekg-s3-acme") {
		t.Fatal("expected wildcard prefix match to allow topic")
	}
	if topicAllowed(patterns, "arn:aws:sns:us-east-1:123:activekg-s3-other") {
		t.Fatal("expected non-matching topic to be denied")
	}
	if topicAllowed(nil, "anything") {
		t.Fatal("expected empty allowlist to deny by default")
	}
}

func TestS3EventToOperation(t *testing.T) {
	if s3EventToOperation("ObjectRemoved:Delete") != connector.OpDeleted {
		t.Fatal("expected ObjectRemoved to map to OpDeleted")
	}
	if s3EventToOperation("ObjectCreated:Put") != connector.OpCreated {
		t.Fatal("expected ObjectCreated:Put to map to OpCreated")
	}
}

func TestGCSEventToOperation(t *testing.T) {
	if gcsEventToOperation("OBJECT_DELETE") != connector.OpDeleted {
		t.Fatal("expected OBJECT_DELETE to map to OpDeleted")
	}
	if gcsEventToOperation("OBJECT_FINALIZE") != connector.OpCreated {
		t.Fatal("expected OBJECT_FINALIZE to map to OpCreated")
	}
}

func TestValidateCertURLRejectsNonAWSHost(t *testing.T) {
	if err := validateCertURL("https://evil.example.com/SimpleNotificationService/cert.pem"); err == nil {
		t.Fatal("expected non-amazonaws.com host to be rejected")
	}
}

func TestValidateCertURLRejectsHTTP(t *testing.T) {
	if err := validateCertURL("http://sns.us-east-1.amazonaws.com/SimpleNotificationService/cert.pem"); err == nil {
		t.Fatal("expected non-https scheme to be rejected")
	}
}

func TestValidateCertURLAcceptsWellFormed(t *testing.T) {
	if err := validateCertURL("https://sns.us-east-1.amazonaws.com/SimpleNotificationService-abc.pem"); err != nil {
		t.Fatalf("expected well-formed cert url to pass, got %v", err)
	}
}

func TestCanonicalStringOmitsAbsentFields(t *testing.T) {
	body := []byte(`{"Type":"Notification","MessageId":"id-1","Message":"payload","Timestamp":"2024-01-01T00:00:00Z","TopicArn":"arn:x"}`)
	got := canonicalString(body)
	if !containsAll(got, []string{"Message\n", "MessageId\nid-1\n", "TopicArn\narn:x\n", "Type\nNotification\n"}) {
		t.Fatalf("canonical string missing expected fields: %q", got)
	}
	if containsAll(got, []string{"Token\n"}) {
		t.Fatalf("canonical string should omit Token for a plain Notification: %q", got)
	}
}

func containsAll(s string, subs []string) bool {
	for _, sub := range subs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	return len(sub) == 0 || indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
