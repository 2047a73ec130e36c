// Package risk scores how dangerous a request looks.
//
// An Assessment combines five factors into a 0-100 score:
//
//	total = min(100, (base*2 + time + device + location + behavior) / 6)
//
// base covers the network origin and user agent, time covers weekends and
// night hours in the site timezone, device comes from the device trust
// tier, location from coarse IP geolocation and behavior from recent login
// activity. The score maps to a Level and each Level to a contextual
// restriction template.
//
// Assess never fails: an internal error or panic yields a conservative
// HIGH assessment (score 75) and a risk_assessment_failed security event.
package risk
