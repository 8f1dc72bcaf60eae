package domain

var Tables = []interface{}{
	&WhatsAppDevice{},
	&WhatsAppDeviceHealth{},
}
