package naming

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDeterministic_IsAFunctionOfItsInputs(t *testing.T) {
	a := Deterministic(RuntimeNamespace, "ChatRoom.ping")
	b := Deterministic(RuntimeNamespace, "ChatRoom.ping")

	assert.Equal(t, a, b, "same namespace+name MUST always derive the same UUID")
	assert.True(t, IsRFC4122V5(a), "derived UUID MUST be a version-5, RFC4122-variant UUID")
}

func TestDeterministic_DiffersByName(t *testing.T) {
	a := Deterministic(RuntimeNamespace, "ChatRoom.ping")
	b := Deterministic(RuntimeNamespace, "ChatRoom.pong")

	assert.NotEqual(t, a, b)
}

func TestServiceUUID_IsFunctionOfTypeNameOnly(t *testing.T) {
	s1 := ServiceUUID("ChatRoom")
	s2 := ServiceUUID("ChatRoom")
	s3 := ServiceUUID("Thermostat")

	assert.Equal(t, s1, s2)
	assert.NotEqual(t, s1, s3)
}

func TestCharacteristicUUID_IsFunctionOfTypeAndMethod(t *testing.T) {
	c1 := CharacteristicUUID("ChatRoom", "send")
	c2 := CharacteristicUUID("ChatRoom", "send")
	c3 := CharacteristicUUID("ChatRoom", "leave")
	c4 := CharacteristicUUID("Thermostat", "send")

	assert.Equal(t, c1, c2, "MUST be a pure function of (T, m)")
	assert.NotEqual(t, c1, c3, "different method MUST derive different UUID")
	assert.NotEqual(t, c1, c4, "different type MUST derive different UUID even for same method name")
}

func TestCharacteristicUUID_DerivesFromServiceNamespace(t *testing.T) {
	svc := ServiceUUID("ChatRoom")
	want := Deterministic(svc, "ChatRoom.send")

	assert.Equal(t, want, CharacteristicUUID("ChatRoom", "send"))
}

func TestIsRFC4122V5_RejectsOtherVersions(t *testing.T) {
	random := uuid.New() // version 4
	assert.False(t, IsRFC4122V5(random))
}
