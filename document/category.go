package document

import (
	"sort"
	"strings"
)

// Canonical PII categories.
const (
	CategoryPersonName    = "person-name"
	CategoryEmail         = "email"
	CategoryPhone         = "phone"
	CategoryCreditCard    = "credit-card"
	CategoryNationalID    = "national-id"
	CategoryAddress       = "address"
	CategoryDateOfBirth   = "date-of-birth"
	CategoryIPAddress     = "ip-address"
	CategoryURL           = "url"
	CategoryIBAN          = "iban"
	CategoryUsername      = "username"
	CategoryZipCode       = "zip-code"
	CategoryAccountNumber = "account-number"
	CategoryDriverLicense = "driver-license"
	CategoryPassport      = "passport"
	CategoryTaxID         = "tax-id"
	CategoryIDCard        = "id-card"
)

var builtinCategories = []string{
	CategoryPersonName, CategoryEmail, CategoryPhone, CategoryCreditCard,
	CategoryNationalID, CategoryAddress, CategoryDateOfBirth, CategoryIPAddress,
	CategoryURL, CategoryIBAN, CategoryUsername, CategoryZipCode,
	CategoryAccountNumber, CategoryDriverLicense, CategoryPassport,
	CategoryTaxID, CategoryIDCard,
}

// categoryAliases maps model and recognizer labels onto canonical names.
// Keys are upper-case with separators removed.
var categoryAliases = map[string]string{
	// token-classification model labels
	"FIRSTNAME":        CategoryPersonName,
	"GIVENNAME":        CategoryPersonName,
	"SURNAME":          CategoryPersonName,
	"LASTNAME":         CategoryPersonName,
	"MIDDLENAME":       CategoryPersonName,
	"EMAIL":            CategoryEmail,
	"TELEPHONENUM":     CategoryPhone,
	"SOCIALNUM":        CategoryNationalID,
	"CREDITCARDNUMBER": CategoryCreditCard,
	"USERNAME":         CategoryUsername,
	"DATEOFBIRTH":      CategoryDateOfBirth,
	"ZIPCODE":          CategoryZipCode,
	"ACCOUNTNUM":       CategoryAccountNumber,
	"IDCARDNUM":        CategoryIDCard,
	"DRIVERLICENSENUM": CategoryDriverLicense,
	"TAXNUM":           CategoryTaxID,
	"PASSPORTNUM":      CategoryPassport,
	"STREET":           CategoryAddress,
	"BUILDINGNUM":      CategoryAddress,
	"CITY":             CategoryAddress,
	"IBAN":             CategoryIBAN,
	"IPADDRESS":        CategoryIPAddress,
	"URL":              CategoryURL,

	// presidio-style recognizer names
	"PERSON":          CategoryPersonName,
	"EMAILADDRESS":    CategoryEmail,
	"PHONENUMBER":     CategoryPhone,
	"CREDITCARD":      CategoryCreditCard,
	"USSSN":           CategoryNationalID,
	"IBANCODE":        CategoryIBAN,
	"USDRIVERLICENSE": CategoryDriverLicense,
	"USPASSPORT":      CategoryPassport,
	"USBANKNUMBER":    CategoryAccountNumber,
	"LOCATION":        CategoryAddress,
}

func init() {
	for _, c := range builtinCategories {
		categoryAliases[aliasKey(c)] = c
	}
}

func aliasKey(label string) string {
	r := strings.NewReplacer("-", "", "_", "", " ", "", ".", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(label)))
}

// NormalizeCategory maps a detector label or user-supplied name onto a
// canonical category. The second result is false for unknown labels.
func NormalizeCategory(label string) (string, bool) {
	c, ok := categoryAliases[aliasKey(label)]
	return c, ok
}

// SupportedCategories returns the built-in categories, sorted.
func SupportedCategories() []string {
	out := append([]string(nil), builtinCategories...)
	sort.Strings(out)
	return out
}
