// Package labels turns raw classifier labels into Turkish display strings.
// Every user-visible diagnosis goes through Translate so technical labels
// such as Tomato__Early_Blight never reach the user.
package labels

import "strings"

const (
	Unknown      = "Bilinmeyen teşhis"
	GenericIssue = "Bitki sorunu"
)

var classTr = map[string]string{
	"Apple__Apple_Scab":          "Elma - Karalekesi",
	"Apple__Black_Rot":           "Elma - Kara çürüklük",
	"Apple__Cedar_Apple_Rust":    "Elma - Pas (sedir-elma pası)",
	"Apple__Healthy":             "Elma - Sağlıklı",
	"Cherry__Healthy":            "Kiraz - Sağlıklı",
	"Cherry__Powdery_Mildew":     "Kiraz - Külleme",
	"Corn__Common_Rust":          "Mısır - Pas (yaygın pas)",
	"Corn__Gray_Leaf_Spot":       "Mısır - Gri yaprak lekesi",
	"Corn__Healthy":              "Mısır - Sağlıklı",
	"Corn__Northern_Leaf_Blight": "Mısır - Yaprak yanıklığı (kuzey)",
	"Grape__Black_Rot":           "Üzüm - Kara çürüklük",
	"Grape__Esca":                "Üzüm - Esca",
	"Grape__Healthy":             "Üzüm - Sağlıklı",
	"Grape__Leaf_Blight":         "Üzüm - Yaprak yanıklığı",
	"Peach__Bacterial_Spot":      "Şeftali - Bakteriyel leke",
	"Peach__Healthy":             "Şeftali - Sağlıklı",
	"Pepper__Bacterial_Spot":     "Biber - Bakteriyel leke",
	"Pepper__Healthy":            "Biber - Sağlıklı",
	"Potato__Early_Blight":       "Patates - Erken yanıklık",
	"Potato__Healthy":            "Patates - Sağlıklı",
	"Potato__Late_Blight":        "Patates - Geç yanıklık",
	"Strawberry__Healthy":        "Çilek - Sağlıklı",
	"Strawberry__Leaf_Scorch":    "Çilek - Yaprak kavrulması",
	"Tomato__Bacterial_Spot":     "Domates - Bakteriyel leke",
	"Tomato__Early_Blight":       "Domates - Erken yanıklık",
	"Tomato__Healthy":            "Domates - Sağlıklı",
	"Tomato__Late_Blight":        "Domates - Geç yanıklık",
}

var plantTr = map[string]string{
	"Apple":      "Elma",
	"Cherry":     "Kiraz",
	"Corn":       "Mısır",
	"Grape":      "Üzüm",
	"Peach":      "Şeftali",
	"Pepper":     "Biber",
	"Potato":     "Patates",
	"Strawberry": "Çilek",
	"Tomato":     "Domates",
}

// Label is a parsed Plant__Condition class name.
type Label struct {
	Plant     string
	Condition string
}

func Parse(label string) (Label, bool) {
	plant, condition, ok := strings.Cut(label, "__")
	if !ok || plant == "" || condition == "" {
		return Label{}, false
	}
	return Label{Plant: plant, Condition: condition}, true
}

func Translate(label string) string {
	if label == "" {
		return Unknown
	}
	if tr, ok := classTr[label]; ok {
		return tr
	}

	parsed, ok := Parse(label)
	if !ok {
		return GenericIssue
	}
	plant, ok := plantTr[parsed.Plant]
	if !ok {
		plant = "Bitki"
	}
	if strings.EqualFold(parsed.Condition, "healthy") {
		return plant + " - Sağlıklı"
	}
	return plant + " - Hastalık belirtisi"
}

// Known reports whether the label has an exact translation.
func Known(label string) bool {
	_, ok := classTr[label]
	return ok
}

// Untranslated returns the labels that only get the generic plant-level name.
func Untranslated(labels []string) []string {
	var out []string
	for _, label := range labels {
		if !Known(label) {
			out = append(out, label)
		}
	}
	return out
}

// Redact replaces any raw class label found in text with its translation.
// extra lists labels outside the table that must be hidden as well.
func Redact(text string, extra ...string) string {
	for _, raw := range extra {
		if raw != "" && strings.Contains(text, raw) {
			text = strings.ReplaceAll(text, raw, Translate(raw))
		}
	}
	if !strings.Contains(text, "__") {
		return text
	}
	for raw, tr := range classTr {
		text = strings.ReplaceAll(text, raw, tr)
	}
	return text
}
