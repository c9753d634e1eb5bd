package devices

// Default jumper settings of the simulated network card.
const (
	NIC_DEFAULT_BASE uint16 = 0x300
	NIC_DEFAULT_IRQ  uint8  = 10
	NIC_PORT_COUNT   uint16 = 0x10
)

// Register offsets from the card's I/O base.
const (
	NIC_REG_CMD    uint16 = 0x00 // Command (W), status (R)
	NIC_REG_ISR    uint16 = 0x01 // Interrupt status, write 1 to clear
	NIC_REG_IMR    uint16 = 0x02 // Interrupt mask, 1 enables
	NIC_REG_LINK   uint16 = 0x03 // Link state (R)
	NIC_REG_TXLEN0 uint16 = 0x04 // Transmit length low (W)
	NIC_REG_TXLEN1 uint16 = 0x05 // Transmit length high (W)
	NIC_REG_RXLEN0 uint16 = 0x06 // Length of the oldest received frame, low (R)
	NIC_REG_RXLEN1 uint16 = 0x07 // ... high (R)
	NIC_REG_DATA   uint16 = 0x08 // Transmit buffer (W), receive frame (R)
	NIC_REG_RXDROP uint16 = 0x09 // Discard the oldest received frame (W)
	NIC_REG_PROM   uint16 = 0x0A // Six bytes of station address (R)
)

// Command register bits (W)
const (
	NIC_CMD_RESET    byte = 0x01
	NIC_CMD_START    byte = 0x02
	NIC_CMD_STOP     byte = 0x04
	NIC_CMD_TRANSMIT byte = 0x08
	NIC_CMD_SELFTEST byte = 0x10 // Latch ISR_TEST and interrupt
)

// Status register bits (R)
const (
	NIC_STAT_RUNNING byte = 0x02
	NIC_STAT_TXBUSY  byte = 0x08
)

// Interrupt status bits
const (
	NIC_ISR_RX    byte = 0x01 // Frame received
	NIC_ISR_TX    byte = 0x02 // Frame transmitted
	NIC_ISR_TXERR byte = 0x04 // Transmit failed
	NIC_ISR_TEST  byte = 0x08 // Self test interrupt
	NIC_ISR_LINK  byte = 0x10 // Link state changed
	NIC_ISR_OVW   byte = 0x20 // Receive ring overflowed
)

// NIC_LINK_UP is bit 0 of the link register.
const NIC_LINK_UP byte = 0x01

// NIC_RX_RING is how many received frames the card buffers.
const NIC_RX_RING = 16
