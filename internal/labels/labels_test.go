package labels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslate(t *testing.T) {
	cases := map[string]string{
		"Tomato__Early_Blight": "Domates - Erken yanıklık",
		"Apple__Apple_Scab":    "Elma - Karalekesi",
		"Tomato__Leaf_Mold":    "Domates - Hastalık belirtisi",
		"Banana__healthy":      "Bitki - Sağlıklı",
		"Cherry__HEALTHY":      "Kiraz - Sağlıklı",
		"late_blight":          GenericIssue,
		"__Rust":               GenericIssue,
		"":                     Unknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, Translate(in), in)
	}
}

func TestParse(t *testing.T) {
	l, ok := Parse("Corn__Northern_Leaf_Blight")
	assert.True(t, ok)
	assert.Equal(t, Label{Plant: "Corn", Condition: "Northern_Leaf_Blight"}, l)

	_, ok = Parse("Corn")
	assert.False(t, ok)
}

func TestCareTipsMostSpecificMatch(t *testing.T) {
	assert.Equal(t, "Şiddetli etkilenen yaprakları temizle ve imha et.", CareTips("Corn__Northern_Leaf_Blight")[0])
	assert.Equal(t, "Enfekte yaprakları temizle; döküntüleri toplayıp imha et.", CareTips("Apple__Cedar_Apple_Rust")[0])
	assert.Equal(t, "Enfekte yaprakları temizle ve çevreye saçılmasını önle.", CareTips("Corn__Common_Rust")[0])
	assert.Equal(t, healthyTips, CareTips("Tomato__Healthy"))
	assert.Equal(t, defaultTips, CareTips("garbage"))
}

func TestFallbackReplyNeverLeaksRawLabel(t *testing.T) {
	for label := range classTr {
		reply := FallbackReply(label, 0.92)
		assert.NotContains(t, reply, label)
		assert.Contains(t, reply, Translate(label))
		assert.Contains(t, reply, "%92")
	}
}

func TestRedact(t *testing.T) {
	in := "Tomato__Early_Blight ve Banana__Leaf_Spot görüldü"
	out := Redact(in, "Banana__Leaf_Spot")
	assert.Equal(t, "Domates - Erken yanıklık ve Bitki - Hastalık belirtisi görüldü", out)
	assert.Equal(t, "temiz metin", Redact("temiz metin"))
}

func TestUntranslated(t *testing.T) {
	got := Untranslated([]string{"Apple__Apple_Scab", "Banana__Sigatoka", "Corn__Healthy", "Mystery"})
	assert.Equal(t, []string{"Banana__Sigatoka", "Mystery"}, got)
	assert.Empty(t, Untranslated([]string{"Apple__Apple_Scab"}))
}
