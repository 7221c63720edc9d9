package detectors

// PIIPatterns defines regex patterns for various PII types
var PIIPatterns = map[string]string{
	"EMAIL":            `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
	"TELEPHONENUM":     `(?:\+?1[-.\s]?)?\(?\b[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`,
	"SOCIALNUM":        `\b\d{3}-\d{2}-\d{4}\b`,
	"CREDITCARDNUMBER": `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`,
	"DATEOFBIRTH":      `\b(?:0?[1-9]|1[0-2])[-/](?:0?[1-9]|[12][0-9]|3[01])[-/](?:19|20)\d{2}\b`,
	"IBAN":             `\b[A-Z]{2}\d{2}(?:\s?[A-Z0-9]{4}){2,7}(?:\s?[A-Z0-9]{1,4})?\b`,
	"IPADDRESS":        `\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`,
	"TAXNUM":           `\b\d{2}-\d{7}\b`,
}

// labelledPatterns capture the identifier after a keyword; only the first
// capture group is reported as the entity.
var labelledPatterns = map[string]string{
	"USERNAME":         `\b(?:username|user|login)[\s:=]+([a-zA-Z0-9_-]{3,20})\b`,
	"ACCOUNTNUM":       `\b(?:account|acct)[\s#:]*(\d{8,12})\b`,
	"IDCARDNUM":        `\b(?:ID|id)[\s#:]*([A-Z0-9]{6,12})\b`,
	"DRIVERLICENSENUM": `\b(?:DL|license)[\s#:]*([A-Z][0-9]{8,9})\b`,
}

func init() {
	for label, pattern := range labelledPatterns {
		PIIPatterns[label] = pattern
	}
}
