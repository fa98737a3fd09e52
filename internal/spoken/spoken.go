// Package spoken turns call numbers into Arabic announcement text and into
// the clip files that voice it.
package spoken

import (
	"strconv"
	"strings"
)

const (
	// Connector is glued to the word that follows it.
	Connector  = "و"
	teenSuffix = "عشر"

	BaseClip      = "base/على_العميل_رقم.mp3"
	ConnectorClip = "connectors/و.mp3"
	TeenClip      = "connectors/عشر.mp3"
)

var units = [...]string{
	"صفر", "واحد", "اثنان", "ثلاثة", "أربعة", "خمسة", "ستة", "سبعة", "ثمانية", "تسعة", "عشرة",
}

var tens = map[int]string{
	20: "عشرون",
	30: "ثلاثون",
	40: "أربعون",
	50: "خمسون",
	60: "ستون",
	70: "سبعون",
	80: "ثمانون",
	90: "تسعون",
}

var hundreds = map[int]string{
	100: "مائة",
	200: "مائتان",
	300: "ثلاثمائة",
	400: "أربعمائة",
	500: "خمسمائة",
	600: "ستمائة",
	700: "سبعمائة",
	800: "ثمانمائة",
	900: "تسعمائة",
}

// Localize returns the spoken form of n. Compound numbers keep the larger
// part first ("عشرون وثلاثة" for 23). Values outside 0..999 come back as
// decimal numerals.
func Localize(n int) string {
	switch {
	case n < 0 || n >= 1000:
		return strconv.Itoa(n)
	case n <= 10:
		return units[n]
	case n < 20:
		return Localize(n-10) + " " + teenSuffix
	case n < 100:
		return join(tens[n-n%10], n%10)
	default:
		return join(hundreds[n-n%100], n%100)
	}
}

func join(head string, rest int) string {
	if rest == 0 {
		return head
	}
	return head + " " + Connector + Localize(rest)
}

// CallPhrase is the sentence spoken in speech mode.
func CallPhrase(clinicName string, n int) string {
	return "على العميل رقم " + Localize(n) + " التوجه إلى عيادة " + clinicName
}

// ClinicClip is the clip naming a clinic.
func ClinicClip(clinicName string) string {
	return "clinics/" + clinicName + ".mp3"
}

var clipByWord = buildClipTable()

func buildClipTable() map[string]string {
	table := make(map[string]string, len(units)+len(tens)+len(hundreds)+1)
	for n, word := range units {
		table[word] = numberClip(n)
	}
	for n, word := range tens {
		table[word] = numberClip(n)
	}
	for n, word := range hundreds {
		table[word] = numberClip(n)
	}
	table[teenSuffix] = TeenClip
	table[Connector] = ConnectorClip
	return table
}

func numberClip(n int) string {
	return "numbers/" + strconv.Itoa(n) + ".mp3"
}

// ClipSequence maps each word of phrase to its clip. A word carrying the
// glued connector yields the connector clip then the word's own clip.
// Words without a clip are left out of clips and returned in dropped.
func ClipSequence(phrase string) (clips []string, dropped []string) {
	for _, word := range strings.Fields(phrase) {
		if clip, ok := clipByWord[word]; ok {
			clips = append(clips, clip)
			continue
		}
		if rest, ok := strings.CutPrefix(word, Connector); ok {
			if clip, ok := clipByWord[rest]; ok {
				clips = append(clips, ConnectorClip, clip)
				continue
			}
		}
		dropped = append(dropped, word)
	}
	return clips, dropped
}

// AnnouncementClips is the clip list for the number part of a call,
// starting with the lead-in clip.
func AnnouncementClips(n int) (clips []string, dropped []string) {
	clips, dropped = ClipSequence(Localize(n))
	return append([]string{BaseClip}, clips...), dropped
}

// WaitLabel renders an expected wait for a ticket: "الآن" when there is
// none, minutes below an hour, then hours with any remaining minutes.
func WaitLabel(minutes int) string {
	switch {
	case minutes <= 0:
		return "الآن"
	case minutes < 60:
		return strconv.Itoa(minutes) + " دقيقة"
	case minutes%60 == 0:
		return strconv.Itoa(minutes/60) + " ساعة"
	default:
		return strconv.Itoa(minutes/60) + " س " + strconv.Itoa(minutes%60) + " د"
	}
}
