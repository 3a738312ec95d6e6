// Package mqtt wraps paho.mqtt.golang for the MQTT plugin: connection
// management with auto-reconnect, subscription tracking with automatic
// restoration after a reconnect, and panic-isolated message handlers.
package mqtt
