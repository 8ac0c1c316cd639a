package location

import "strings"

// gazetteer maps a state (lower case) to its major cities and towns.
var gazetteer = map[string][]string{
	"abia":        {"Umuahia", "Aba", "Ohafia", "Arochukwu"},
	"adamawa":     {"Yola", "Mubi", "Jimeta", "Numan"},
	"akwa ibom":   {"Uyo", "Eket", "Ikot Ekpene", "Oron"},
	"anambra":     {"Awka", "Onitsha", "Nnewi", "Ekwulobia"},
	"bauchi":      {"Bauchi", "Azare", "Misau", "Jama'are"},
	"bayelsa":     {"Yenagoa", "Brass", "Ogbia", "Sagbama"},
	"benue":       {"Makurdi", "Gboko", "Otukpo", "Katsina-Ala"},
	"borno":       {"Maiduguri", "Biu", "Bama", "Dikwa"},
	"cross river": {"Calabar", "Ikom", "Ogoja", "Obudu"},
	"delta":       {"Asaba", "Warri", "Sapele", "Ughelli", "Agbor"},
	"ebonyi":      {"Abakaliki", "Afikpo", "Onueke"},
	"edo":         {"Benin City", "Auchi", "Ekpoma", "Uromi"},
	"ekiti":       {"Ado-Ekiti", "Ikere", "Ijero", "Ikole"},
	"enugu":       {"Enugu", "Nsukka", "Agbani", "Oji River"},
	"fct":         {"Abuja", "Gwagwalada", "Kubwa", "Garki", "Wuse", "Maitama"},
	"abuja":       {"Abuja", "Gwagwalada", "Kubwa", "Garki", "Wuse", "Maitama"},
	"gombe":       {"Gombe", "Kumo", "Billiri", "Dukku"},
	"imo":         {"Owerri", "Orlu", "Okigwe", "Oguta"},
	"jigawa":      {"Dutse", "Hadejia", "Gumel", "Kazaure"},
	"kaduna":      {"Kaduna", "Zaria", "Kafanchan", "Kagoro"},
	"kano":        {"Kano", "Wudil", "Bichi", "Gaya"},
	"katsina":     {"Katsina", "Funtua", "Daura", "Malumfashi"},
	"kebbi":       {"Birnin Kebbi", "Argungu", "Yauri", "Zuru"},
	"kogi":        {"Lokoja", "Okene", "Idah", "Kabba"},
	"kwara":       {"Ilorin", "Offa", "Jebba", "Omu-Aran"},
	"lagos":       {"Ikeja", "Lekki", "Victoria Island", "Ikoyi", "Surulere", "Yaba", "Epe", "Badagry", "Ikorodu", "Ajah", "Apapa"},
	"nasarawa":    {"Lafia", "Keffi", "Akwanga", "Karu"},
	"niger":       {"Minna", "Bida", "Kontagora", "Suleja"},
	"ogun":        {"Abeokuta", "Ijebu-Ode", "Sagamu", "Ota"},
	"ondo":        {"Akure", "Ondo", "Owo", "Ikare"},
	"osun":        {"Osogbo", "Ile-Ife", "Ilesa", "Ede", "Iwo"},
	"oyo":         {"Ibadan", "Ogbomoso", "Oyo", "Iseyin", "Saki"},
	"plateau":     {"Jos", "Bukuru", "Pankshin", "Shendam"},
	"rivers":      {"Port Harcourt", "Bonny", "Obio-Akpor", "Eleme"},
	"sokoto":      {"Sokoto", "Tambuwal", "Wurno", "Gwadabawa"},
	"taraba":      {"Jalingo", "Wukari", "Bali", "Takum"},
	"yobe":        {"Damaturu", "Potiskum", "Gashua", "Nguru"},
	"zamfara":     {"Gusau", "Kaura Namoda", "Talata Mafara", "Anka"},
}

// CitiesOf returns the gazetteer cities for a state, case-insensitively.
// A trailing " state" is ignored, so "Lagos State" works like "Lagos".
func CitiesOf(state string) []string {
	key := strings.TrimSuffix(normalize(state), " state")
	return gazetteer[key]
}
