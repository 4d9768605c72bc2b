package domain

// RecordingPreferences are the effective per-user recording knobs
// after defaults are applied.
type RecordingPreferences struct {
	Fragmovie        bool
	ColorFilter      bool
	Righthand        bool
	UseDemoCrosshair bool
	CrosshairCode    string
	HQ               bool
}

// UserSettings stores a user's explicit choices. Nil fields mean the
// user never touched the setting and the default applies.
type UserSettings struct {
	UserID           int64
	Fragmovie        *bool
	ColorFilter      *bool
	Righthand        *bool
	UseDemoCrosshair *bool
	CrosshairCode    *string
	HQ               *bool
}

// Filled resolves the settings against the defaults.
func (u *UserSettings) Filled() RecordingPreferences {
	prefs := RecordingPreferences{
		Fragmovie:        false,
		ColorFilter:      true,
		Righthand:        true,
		UseDemoCrosshair: false,
		HQ:               true,
	}

	if u == nil {
		return prefs
	}
	if u.Fragmovie != nil {
		prefs.Fragmovie = *u.Fragmovie
	}
	if u.ColorFilter != nil {
		prefs.ColorFilter = *u.ColorFilter
	}
	if u.Righthand != nil {
		prefs.Righthand = *u.Righthand
	}
	if u.UseDemoCrosshair != nil {
		prefs.UseDemoCrosshair = *u.UseDemoCrosshair
	}
	if u.CrosshairCode != nil {
		prefs.CrosshairCode = *u.CrosshairCode
	}
	if u.HQ != nil {
		prefs.HQ = *u.HQ
	}
	return prefs
}
