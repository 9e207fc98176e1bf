package contracts

import "github.com/google/uuid"

var derivedIDNamespace = uuid.MustParse("6f1c3c8e-2b0d-4e55-9d8a-5b7c1f0e4a21")

// DeriveID returns a stable id for something the engine derives from sourceID, so
// re-running a handler for the same event yields the same rows and messages.
func DeriveID(sourceID, purpose string) string {
	return uuid.NewSHA1(derivedIDNamespace, []byte(sourceID+"\x00"+purpose)).String()
}

// ContentID returns a stable id for raw bytes that carry no usable event id.
func ContentID(data []byte) string {
	return uuid.NewSHA1(derivedIDNamespace, data).String()
}
