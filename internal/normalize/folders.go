package normalize

import "strings"

// sentFolderNames holds "sent" folder names across the languages commonly
// seen on hosted mail servers. Matching is case-insensitive substring.
var sentFolderNames = []string{
	"sent",            // English
	"gesendet",        // German
	"gesendete",       // German (Outlook)
	"envoyé",          // French
	"envoyés",         // French
	"elements envoyes", // French (ascii folded)
	"enviado",         // Spanish/Portuguese
	"enviados",        // Spanish/Portuguese
	"inviata",         // Italian
	"inviati",         // Italian
	"verzonden",       // Dutch
	"отправленные",    // Russian
	"отправлено",      // Russian
	"已发送",             // Chinese (simplified)
	"寄件備份",            // Chinese (traditional)
	"送信済み",            // Japanese
	"보낸편지함",           // Korean
	"보낸 편지함",          // Korean
	"العناصر المرسلة", // Arabic
	"المرسلة",         // Arabic
	"פריטים שנשלחו",   // Hebrew
	"נשלח",            // Hebrew
	"wysłane",         // Polish
	"odeslané",        // Czech
	"odeslaná pošta",  // Czech
	"odoslané",        // Slovak
	"elküldött",       // Hungarian
	"gönderilmiş",     // Turkish
	"gönderilen",      // Turkish
	"απεσταλμένα",     // Greek
	"lähetetyt",       // Finnish
	"skickat",         // Swedish
	"skickade",        // Swedish
	"sendt",           // Norwegian/Danish
	"sendte",          // Norwegian
	"trimise",         // Romanian
	"изпратени",       // Bulgarian
	"poslano",         // Croatian/Slovenian
	"poslana pošta",   // Slovenian
	"nosūtītās",       // Latvian
	"nosūtītie",       // Latvian
	"išsiųsta",        // Lithuanian
	"išsiųsti",        // Lithuanian
	"saadetud",        // Estonian
	"mibgħuta",        // Maltese
	"seolta",          // Irish
}

// draftFolderNames holds "drafts" folder names; a sent match inside a drafts
// folder never marks a message outgoing.
var draftFolderNames = []string{
	"draft",       // English
	"drafts",      // English
	"entwürfe",    // German
	"entwurf",     // German
	"brouillon",   // French
	"brouillons",  // French
	"borrador",    // Spanish
	"borradores",  // Spanish
	"bozza",       // Italian
	"bozze",       // Italian
	"concept",     // Dutch
	"concepten",   // Dutch
	"rascunho",    // Portuguese
	"rascunhos",   // Portuguese
	"черновики",   // Russian
	"草稿",          // Chinese/Japanese
	"下書き",         // Japanese
	"임시보관함",       // Korean
	"المسودات",    // Arabic
	"مسودات",      // Arabic
	"טיוטות",      // Hebrew
	"robocze",     // Polish
	"koncepty",    // Czech/Slovak
	"rozepsané",   // Czech
	"piszkozatok", // Hungarian
	"taslaklar",   // Turkish
	"taslak",      // Turkish
	"πρόχειρα",    // Greek
	"luonnokset",  // Finnish
	"utkast",      // Swedish/Norwegian
	"kladder",     // Danish
	"kladd",       // Norwegian
	"ciorne",      // Romanian
	"чернови",     // Bulgarian
	"skice",       // Croatian
	"osnutki",     // Slovenian
	"melnraksti",  // Latvian
	"juodraščiai", // Lithuanian
	"mustandid",   // Estonian
	"abbozzi",     // Maltese
	"dréachtaí",   // Irish
}

// IsSentFolder reports whether the folder name matches a known "sent"
// folder in any supported language. Matching is case-insensitive substring
// so paths like "INBOX/Sent Items" qualify.
func IsSentFolder(folder string) bool {
	return matchFolder(folder, sentFolderNames)
}

// IsDraftsFolder reports whether the folder name matches a known "drafts"
// folder in any supported language.
func IsDraftsFolder(folder string) bool {
	return matchFolder(folder, draftFolderNames)
}

func matchFolder(folder string, names []string) bool {
	lower := strings.ToLower(folder)
	for _, name := range names {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}

// IsOutgoing decides message direction: outgoing when the sender address
// matches the account email, or when the message sits in a sent folder that
// is not also a drafts folder.
func IsOutgoing(from, accountEmail, folder string) bool {
	if accountEmail != "" && addressContains(from, accountEmail) {
		return true
	}
	return IsSentFolder(folder) && !IsDraftsFolder(folder)
}

func addressContains(from, email string) bool {
	return strings.Contains(strings.ToLower(from), strings.ToLower(email))
}
