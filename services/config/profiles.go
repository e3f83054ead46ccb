package config

// Built-in profiles, keyed by name.

const profileSim = `
heartbeat:
  interval: 5
iocontrol:
  queue_size: 16
  log_level: info
  ports:
    - id: bus0
      driver: loopback
      baud: 19200
  controllers:
    - id: mb
      class: modbus
      params: {port: bus0, timeout_ms: 200}
    - id: gpio
      class: gpio
    - id: pwm
      class: pwm
    - id: i2c
      class: i2c
  devices:
    - id: relays
      class: modbus_rtu
      controller: mb
      params: {slave: 1, table: coils, address: 0, nodes: 4}
    - id: setpoints
      class: modbus_rtu
      controller: mb
      params: {slave: 1, table: holding, address: 10, nodes: 2, write_multiple: true}
    - id: lamp
      class: gpio_relay
      controller: gpio
      params: {pins: [2, 3], pulse_ms: 300}
    - id: dimmer
      class: pwm_out
      controller: pwm
      params: {pins: [6], max: 100, ramp_ms: 500}
    - id: board
      class: i2c_relay
      controller: i2c
      params: {address: 0x20, channels: 8}
`

var profiles = map[string][]byte{
	"sim": []byte(profileSim),
}
