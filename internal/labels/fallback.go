package labels

import (
	"fmt"
	"math"
	"strings"
)

type careTips struct {
	match string
	tips  []string
}

// Ordered: more specific conditions must come before the ones they contain.
var careTable = []careTips{
	{"bacterial_spot", []string{
		"Etkilenen yaprakları steril makasla uzaklaştır.",
		"Yaprakları ıslatmadan dipten sulama yap.",
		"Bitkiler arasında hava sirkülasyonu için mesafe bırak.",
		"Bakır içerikli ürünleri etiketine uygun ve gerektiğinde kullanmayı değerlendir.",
	}},
	{"early_blight", []string{
		"Hasta yaprakları topla ve çöpe at (kompost yapma).",
		"Sulamayı sabah erken saatlerde ve toprağa yap.",
		"Alt yaprakları seyreltip hava akışını artır.",
		"Gerekirse etiketine uygun mantar hastalığına yönelik ürün kullan.",
	}},
	{"late_blight", []string{
		"Şiddetli lekeli yaprakları derhal uzaklaştır.",
		"Yaprak ıslaklığını azalt: üstten sulamadan kaçın.",
		"Bitkiyi iyi havalanan bir konuma al.",
		"Gerekirse uygun fungisitleri etiketine uygun kullanmayı değerlendir.",
	}},
	{"apple_scab", []string{
		"Dökülen yaprakları/lekeli yaprakları topla ve imha et.",
		"Üstten sulamadan kaçın; yaprak ıslaklığını azalt.",
		"Ağacın içini havalandıracak şekilde budama yapmayı değerlendir.",
		"Gerekirse etiketine uygun mantar hastalığına yönelik koruyucu uygulamaları düşün.",
	}},
	{"black_rot", []string{
		"Çürüyen meyveleri ve lekeli yaprakları ortamdan uzaklaştır.",
		"Budama artıkları ve döküntüleri bahçede bırakma.",
		"Bitkiyi fazla sıkıştırma; hava sirkülasyonunu artır.",
		"Gerekirse etiketine uygun fungisitleri değerlendirebilirsin.",
	}},
	{"cedar_apple_rust", []string{
		"Enfekte yaprakları temizle; döküntüleri toplayıp imha et.",
		"Hava sirkülasyonunu artır; yaprakların hızlı kurumasını sağla.",
		"Yakında ardıç/servi türleri varsa kaynak olabileceğini unutma.",
		"Gerekirse etiketine uygun pas hastalığına yönelik ürünleri değerlendir.",
	}},
	{"powdery_mildew", []string{
		"Hasta yaprakları temizle; bitkiler arası hava akışını artır.",
		"Üstten sulamadan kaçın; yaprakları kuru tut.",
		"Gerekirse etiketine uygun külleme ilacı kullanmayı değerlendir.",
	}},
	{"rust", []string{
		"Enfekte yaprakları temizle ve çevreye saçılmasını önle.",
		"Hava sirkülasyonunu artır; bitkiyi çok sık dikme.",
		"Gerekirse etiketine uygun pas hastalığına yönelik ürün kullanmayı değerlendir.",
	}},
	{"gray_leaf_spot", []string{
		"Alt ve çok lekeli yaprakları temizle; bitki sıklığını azalt.",
		"Üstten sulamayı azalt; yaprakların hızlı kurumasını sağla.",
		"Tarlada/alan içinde bitki artıkları yönetimine dikkat et.",
		"Gerekirse etiketine uygun fungisitleri değerlendirebilirsin.",
	}},
	{"northern_leaf_blight", []string{
		"Şiddetli etkilenen yaprakları temizle ve imha et.",
		"Bitkiler arasında hava akışını artır.",
		"Üstten sulamadan kaçın; yaprak ıslaklığını azalt.",
		"Gerekirse etiketine uygun mantar hastalığına yönelik ürün kullanmayı değerlendir.",
	}},
	{"esca", []string{
		"Şiddetli etkilenen sürgün/omcaları budama ile ayırmayı değerlendir.",
		"Budama aletlerini dezenfekte et; bulaş riskini azalt.",
		"Bitki stresini azalt: düzenli sulama ve dengeli gübreleme.",
		"Belirtiler yaygınsa bağ uzmanı/zirai danışmandan destek al.",
	}},
	{"leaf_blight", []string{
		"Lekeli yaprakları temizle ve imha et.",
		"Yaprak ıslaklığını azalt; toprağa/dipten sulamayı tercih et.",
		"Hava sirkülasyonunu artır; bitkiyi sıkıştırma.",
		"Gerekirse etiketine uygun fungisitleri değerlendirebilirsin.",
	}},
	{"leaf_scorch", []string{
		"Kuruyan/yanık görünümlü yaprakları temizle.",
		"Sulama düzenini kontrol et; toprak tamamen kurumadan sulamayı planla.",
		"Sıcak/kurak günlerde doğrudan öğle güneşini azaltmayı değerlendir.",
		"Belirtiler hızla artarsa hastalık olasılığı için ek görsel/uzman görüşü al.",
	}},
}

var healthyTips = []string{
	"Aşırı sulamadan kaçın ve saksı drenajını koru.",
	"Haftada 1–2 kez genel durum kontrolü yap.",
	"Güneş ve hava sirkülasyonunu yeterli tut.",
}

var defaultTips = []string{
	"Hastalıklı görünen yaprakları temizle ve at.",
	"Üstten sulamadan kaçın; toprağa/dipten sulamayı tercih et.",
	"Bitkiyi iyi havalanan bir konuma al ve yoğunluğu azalt.",
	"Belirtiler artarsa yerel bir ziraat bayii/uzmanla görüş.",
}

// CareTips returns the canned care steps for a label's condition.
func CareTips(label string) []string {
	parsed, _ := Parse(label)
	condition := strings.ToLower(parsed.Condition)
	if condition == "healthy" {
		return healthyTips
	}
	if condition != "" {
		for _, c := range careTable {
			if strings.Contains(condition, c.match) {
				return c.tips
			}
		}
	}
	return defaultTips
}

// FallbackReply is the assistant text used when the model returns nothing
// for a diagnosis auto-reply.
func FallbackReply(label string, confidence float64) string {
	pct := int(math.Round(confidence * 100))
	para := fmt.Sprintf("Son teşhise göre **%s** olasılığı yüksek (≈%%%d). Aşağıdaki adımları uygulayabilirsin:", Translate(label), pct)
	return para + "\n- " + strings.Join(CareTips(label), "\n- ")
}
