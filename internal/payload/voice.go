package payload

import "math/rand"

// VoiceOptions are the enumerated synthesis parameters a virtual user draws
// from for every synthesis exchange.
type VoiceOptions struct {
	Speaker []string `mapstructure:"speaker" json:"speaker"`
	Speed   []string `mapstructure:"speed" json:"speed"`
	Volume  []string `mapstructure:"volume" json:"volume"`
	Pitch   []string `mapstructure:"pitch" json:"pitch"`
}

// VendorField is the payload field selecting which option set applies.
const VendorField = "vendor"

// DefaultVoiceVendor is used when the payload names no known vendor.
const DefaultVoiceVendor = "CloudMinds"

// DefaultVoices holds the built-in option sets per synthesis vendor.
var DefaultVoices = map[string]VoiceOptions{
	"Ali": {
		Speaker: []string{"xiaoyun", "xiaogang", "ruoxi", "siqi"},
		Speed:   []string{"-200", "0", "200"},
		Volume:  []string{"50", "80", "100"},
		Pitch:   []string{"-100", "0", "100"},
	},
	"CloudMinds": {
		Speaker: []string{"DaXiaoQing", "DaXiaoFang", "XiaoXiao"},
		Speed:   []string{"1", "2", "3", "4", "5"},
		Volume:  []string{"1", "2", "3", "4", "5"},
		Pitch:   []string{"low", "medium", "high"},
	},
}

// SelectVoices picks the option set for the payload's vendor, preferring the
// configured sets over the built-in ones.
func SelectVoices(p map[string]any, configured map[string]VoiceOptions) VoiceOptions {
	vendor, _ := p[VendorField].(string)
	for _, sets := range []map[string]VoiceOptions{configured, DefaultVoices} {
		if v, ok := sets[vendor]; ok {
			return v
		}
	}
	if v, ok := configured[DefaultVoiceVendor]; ok {
		return v
	}
	return DefaultVoices[DefaultVoiceVendor]
}

// ApplyVoice replaces SPEAKER, SPEED, VOLUME and PITCH with random choices.
func (o VoiceOptions) ApplyVoice(p map[string]any, rnd *rand.Rand) {
	Replace(p, TokenSpeaker, choose(o.Speaker, rnd))
	Replace(p, TokenSpeed, choose(o.Speed, rnd))
	Replace(p, TokenVolume, choose(o.Volume, rnd))
	Replace(p, TokenPitch, choose(o.Pitch, rnd))
}

func choose(choices []string, rnd *rand.Rand) string {
	if len(choices) == 0 {
		return ""
	}
	if rnd == nil {
		return choices[rand.Intn(len(choices))]
	}
	return choices[rnd.Intn(len(choices))]
}
